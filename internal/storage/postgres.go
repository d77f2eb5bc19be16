// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/phone"
)

// PostgresStore implements Store using lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against the given DSN and verifies it.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{db: db}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id           UUID PRIMARY KEY,
	name         TEXT NOT NULL,
	phone        TEXT NOT NULL,
	phone_digits TEXT NOT NULL,
	assigned_to  TEXT NOT NULL DEFAULT '',
	history      JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           UUID PRIMARY KEY,
	lead_id      UUID REFERENCES leads(id),
	channel      TEXT NOT NULL,
	body         TEXT NOT NULL,
	sender_phone TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT '',
	received_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone);
CREATE INDEX IF NOT EXISTS idx_leads_phone_digits ON leads(phone_digits);
CREATE INDEX IF NOT EXISTS idx_messages_lead_created ON messages(lead_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateLead(ctx context.Context, lead *model.Lead) error {
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
		return eris.Wrap(err, "postgres: marshal history")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, name, phone, phone_digits, assigned_to, history, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lead.ID, lead.Name, lead.Phone, phone.DigitsOnly(lead.Phone), lead.AssignedTo, string(historyJSON), lead.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert lead")
}

func (s *PostgresStore) GetLead(ctx context.Context, id uuid.UUID) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, assigned_to, history, created_at FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	if lead == nil {
		return nil, eris.Wrapf(ErrNotFound, "lead %s", id)
	}
	return lead, nil
}

func (s *PostgresStore) FindLeadByPhone(ctx context.Context, phoneStr string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, assigned_to, history, created_at FROM leads
		 WHERE phone = $1 ORDER BY created_at DESC LIMIT 1`, phoneStr)
	lead, err := scanLead(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find lead by phone %q", phoneStr)
	}
	return lead, nil
}

func (s *PostgresStore) SearchLeadsByPhoneDigits(ctx context.Context, digits string, limit int) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phone, assigned_to, history, created_at FROM leads
		 WHERE phone_digits LIKE '%' || $1 || '%' ORDER BY created_at DESC LIMIT $2`,
		digits, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: search leads %q", digits)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: search leads iterate")
}

func (s *PostgresStore) AppendLeadHistory(ctx context.Context, leadID uuid.UUID, entry model.HistoryEntry, window time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin history append")
	}
	defer tx.Rollback()

	entries, err := readHistoryTx(ctx, tx, `SELECT history FROM leads WHERE id = $1 FOR UPDATE`, leadID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: history of lead %s", leadID)
	}
	if historyDuplicate(entries, entry, window) {
		return false, nil
	}
	entries = append(entries, entry)

	historyJSON, err := json.Marshal(entries)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal history")
	}
	res, err := tx.ExecContext(ctx, `UPDATE leads SET history = $1 WHERE id = $2`, string(historyJSON), leadID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update history of lead %s", leadID)
	}
	if err := checkRowsAffected(res, "lead", leadID.String()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "postgres: commit history append")
	}
	return true, nil
}

func (s *PostgresStore) StripLeadHistory(ctx context.Context, leadID uuid.UUID, action string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin history strip")
	}
	defer tx.Rollback()

	entries, err := readHistoryTx(ctx, tx, `SELECT history FROM leads WHERE id = $1 FOR UPDATE`, leadID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: history of lead %s", leadID)
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
		return 0, eris.Wrap(err, "postgres: marshal history")
	}
	res, err := tx.ExecContext(ctx, `UPDATE leads SET history = $1 WHERE id = $2`, string(historyJSON), leadID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: update history of lead %s", leadID)
	}
	if err := checkRowsAffected(res, "lead", leadID.String()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "postgres: commit history strip")
	}
	return removed, nil
}

func (s *PostgresStore) LeadIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM leads`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lead ids")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list lead ids iterate")
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m *model.StoredMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, lead_id, channel, body, sender_phone, note, received_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.LeadID, m.Channel, m.Body, m.SenderPhone, m.Note, m.ReceivedAt.UTC(), m.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert message")
}

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, channel, body, sender_phone, note, received_at, created_at
		 FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get message %s", id)
	}
	if m == nil {
		return nil, eris.Wrapf(ErrNotFound, "message %s", id)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.StoredMessage, string, error) {
	filter, err := filter.normalize()
	if err != nil {
		return nil, "", err
	}

	query := `SELECT id, lead_id, channel, body, sender_phone, note, received_at, created_at FROM messages WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.OrphansOnly {
		query += ` AND lead_id IS NULL`
	}
	if filter.LeadID != nil {
		query += ` AND lead_id = ` + arg(*filter.LeadID)
	}
	if filter.Cursor != "" {
		query += ` AND id > ` + arg(filter.Cursor)
	}
	query += ` ORDER BY id LIMIT ` + arg(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", eris.Wrap(err, "postgres: list messages")
	}
	defer rows.Close()

	var messages []model.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", eris.Wrap(err, "postgres: scan message")
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", eris.Wrap(err, "postgres: list messages iterate")
	}

	nextCursor := ""
	if len(messages) == filter.Limit {
		nextCursor = messages[len(messages)-1].ID.String()
	}
	return messages, nextCursor, nil
}

func (s *PostgresStore) HasRecentMessage(ctx context.Context, leadID *uuid.UUID, body string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM messages
			WHERE channel = $1 AND body = $2 AND created_at >= $3
			  AND (($4::uuid IS NULL AND lead_id IS NULL) OR lead_id = $4::uuid)
		 )`,
		model.ChannelSMS, body, since.UTC(), leadID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: recent message probe")
	}
	return exists, nil
}

func (s *PostgresStore) DeleteChannelMessages(ctx context.Context, channel string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = $1`, channel)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete %s messages", channel)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "postgres: rows affected")
}
