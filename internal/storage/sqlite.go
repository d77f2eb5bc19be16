// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/phone"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	phone        TEXT NOT NULL,
	phone_digits TEXT NOT NULL,
	assigned_to  TEXT NOT NULL DEFAULT '',
	history      TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	lead_id      TEXT REFERENCES leads(id),
	channel      TEXT NOT NULL,
	body         TEXT NOT NULL,
	sender_phone TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT '',
	received_at  DATETIME NOT NULL,
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone);
CREATE INDEX IF NOT EXISTS idx_leads_phone_digits ON leads(phone_digits);
CREATE INDEX IF NOT EXISTS idx_messages_lead_created ON messages(lead_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateLead inserts a lead, filling in ID and CreatedAt when unset. The
// digit-stripped phone is stored alongside the verbatim one so substring
// matching never has to fight stored formatting.
func (s *SQLiteStore) CreateLead(ctx context.Context, lead *model.Lead) error {
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	if lead.History == nil {
		lead.History = []model.HistoryEntry{}
	}

	historyJSON, err := json.Marshal(lead.History)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal history")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, name, phone, phone_digits, assigned_to, history, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.Name, lead.Phone, phone.DigitsOnly(lead.Phone), lead.AssignedTo, string(historyJSON), lead.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert lead")
}

func (s *SQLiteStore) GetLead(ctx context.Context, id uuid.UUID) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, assigned_to, history, created_at FROM leads WHERE id = ?`, id)
	lead, err := scanLead(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	if lead == nil {
		return nil, eris.Wrapf(ErrNotFound, "lead %s", id)
	}
	return lead, nil
}

func (s *SQLiteStore) FindLeadByPhone(ctx context.Context, phoneStr string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, assigned_to, history, created_at FROM leads
		 WHERE phone = ? ORDER BY created_at DESC LIMIT 1`, phoneStr)
	lead, err := scanLead(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find lead by phone %q", phoneStr)
	}
	return lead, nil
}

func (s *SQLiteStore) SearchLeadsByPhoneDigits(ctx context.Context, digits string, limit int) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phone, assigned_to, history, created_at FROM leads
		 WHERE phone_digits LIKE '%' || ? || '%' ORDER BY created_at DESC LIMIT ?`,
		digits, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: search leads %q", digits)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: search leads iterate")
}

func (s *SQLiteStore) AppendLeadHistory(ctx context.Context, leadID uuid.UUID, entry model.HistoryEntry, window time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin history append")
	}
	defer tx.Rollback()

	entries, err := readHistoryTx(ctx, tx, `SELECT history FROM leads WHERE id = ?`, leadID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: history of lead %s", leadID)
	}
	if historyDuplicate(entries, entry, window) {
		return false, nil
	}
	entries = append(entries, entry)

	historyJSON, err := json.Marshal(entries)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal history")
	}
	res, err := tx.ExecContext(ctx, `UPDATE leads SET history = ? WHERE id = ?`, string(historyJSON), leadID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update history of lead %s", leadID)
	}
	if err := checkRowsAffected(res, "lead", leadID.String()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit history append")
	}
	return true, nil
}

func (s *SQLiteStore) StripLeadHistory(ctx context.Context, leadID uuid.UUID, action string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin history strip")
	}
	defer tx.Rollback()

	entries, err := readHistoryTx(ctx, tx, `SELECT history FROM leads WHERE id = ?`, leadID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: history of lead %s", leadID)
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.Action != action {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	historyJSON, err := json.Marshal(kept)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal history")
	}
	res, err := tx.ExecContext(ctx, `UPDATE leads SET history = ? WHERE id = ?`, string(historyJSON), leadID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: update history of lead %s", leadID)
	}
	if err := checkRowsAffected(res, "lead", leadID.String()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit history strip")
	}
	return removed, nil
}

func (s *SQLiteStore) LeadIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM leads`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lead ids")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list lead ids iterate")
}

// InsertMessage stores an ingested message, filling in ID and CreatedAt when
// unset.
func (s *SQLiteStore) InsertMessage(ctx context.Context, m *model.StoredMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, lead_id, channel, body, sender_phone, note, received_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.LeadID, m.Channel, m.Body, m.SenderPhone, m.Note, m.ReceivedAt.UTC(), m.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert message")
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, channel, body, sender_phone, note, received_at, created_at
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get message %s", id)
	}
	if m == nil {
		return nil, eris.Wrapf(ErrNotFound, "message %s", id)
	}
	return m, nil
}

// ListMessages retrieves messages using cursor-based pagination over the id
// column; the returned cursor is empty on the last page.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.StoredMessage, string, error) {
	filter, err := filter.normalize()
	if err != nil {
		return nil, "", err
	}

	query := `SELECT id, lead_id, channel, body, sender_phone, note, received_at, created_at FROM messages WHERE 1=1`
	var args []any
	if filter.OrphansOnly {
		query += ` AND lead_id IS NULL`
	}
	if filter.LeadID != nil {
		query += ` AND lead_id = ?`
		args = append(args, *filter.LeadID)
	}
	if filter.Cursor != "" {
		query += ` AND id > ?`
		args = append(args, filter.Cursor)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", eris.Wrap(err, "sqlite: list messages")
	}
	defer rows.Close()

	var messages []model.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", eris.Wrap(err, "sqlite: scan message")
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", eris.Wrap(err, "sqlite: list messages iterate")
	}

	nextCursor := ""
	if len(messages) == filter.Limit {
		nextCursor = messages[len(messages)-1].ID.String()
	}
	return messages, nextCursor, nil
}

// HasRecentMessage reports whether an SMS message with the same owner (NULL
// lead for orphans) and identical body was stored at or after since.
func (s *SQLiteStore) HasRecentMessage(ctx context.Context, leadID *uuid.UUID, body string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM (
			SELECT 1 FROM messages
			WHERE channel = ? AND body = ? AND created_at >= ?
			  AND ((? IS NULL AND lead_id IS NULL) OR lead_id = ?)
			LIMIT 1
		 )`,
		model.ChannelSMS, body, since.UTC(), leadID, leadID,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: recent message probe")
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteChannelMessages(ctx context.Context, channel string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channel)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete %s messages", channel)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// scan helpers shared with the postgres driver

func readHistoryTx(ctx context.Context, tx *sql.Tx, query string, leadID uuid.UUID) ([]model.HistoryEntry, error) {
	var historyJSON string
	err := tx.QueryRowContext(ctx, query, leadID).Scan(&historyJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entries []model.HistoryEntry
	if err := json.Unmarshal([]byte(historyJSON), &entries); err != nil {
		return nil, eris.Wrap(err, "unmarshal history")
	}
	return entries, nil
}

func scanLead(row scannable) (*model.Lead, error) {
	var lead model.Lead
	var historyJSON string

	err := row.Scan(&lead.ID, &lead.Name, &lead.Phone, &lead.AssignedTo, &historyJSON, &lead.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(historyJSON), &lead.History); err != nil {
		return nil, eris.Wrap(err, "unmarshal history")
	}
	return &lead, nil
}

func scanMessage(row scannable) (*model.StoredMessage, error) {
	var m model.StoredMessage
	var leadID sql.NullString

	err := row.Scan(&m.ID, &leadID, &m.Channel, &m.Body, &m.SenderPhone, &m.Note, &m.ReceivedAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if leadID.Valid {
		id, err := uuid.Parse(leadID.String)
		if err != nil {
			return nil, eris.Wrap(err, "parse lead id")
		}
		m.LeadID = &id
	}
	return &m, nil
}
