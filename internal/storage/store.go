// internal/storage/store.go
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
)

// ErrNotFound is returned when a lead or message id matches nothing.
var ErrNotFound = eris.New("storage: not found")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// MessageFilter specifies criteria for listing stored messages.
type MessageFilter struct {
	Cursor      string     `json:"cursor,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	OrphansOnly bool       `json:"orphans_only,omitempty"`
	LeadID      *uuid.UUID `json:"lead_id,omitempty"`
}

// normalize clamps the limit and validates the cursor before it reaches SQL.
func (f MessageFilter) normalize() (MessageFilter, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Cursor != "" {
		if _, err := uuid.Parse(f.Cursor); err != nil {
			return f, eris.Wrapf(err, "storage: invalid cursor %q", f.Cursor)
		}
	}
	return f, nil
}

// Store defines the persistence interface for the SMS reconciliation
// pipeline. Lead lookups return newest-created records first.
type Store interface {
	// Leads
	CreateLead(ctx context.Context, lead *model.Lead) error
	GetLead(ctx context.Context, id uuid.UUID) (*model.Lead, error)
	FindLeadByPhone(ctx context.Context, phone string) (*model.Lead, error)
	SearchLeadsByPhoneDigits(ctx context.Context, digits string, limit int) ([]model.Lead, error)
	AppendLeadHistory(ctx context.Context, leadID uuid.UUID, entry model.HistoryEntry, window time.Duration) (bool, error)
	StripLeadHistory(ctx context.Context, leadID uuid.UUID, action string) (int, error)
	LeadIDs(ctx context.Context) ([]uuid.UUID, error)

	// Messages
	InsertMessage(ctx context.Context, m *model.StoredMessage) error
	GetMessage(ctx context.Context, id uuid.UUID) (*model.StoredMessage, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.StoredMessage, string, error)
	HasRecentMessage(ctx context.Context, leadID *uuid.UUID, body string, since time.Time) (bool, error)
	DeleteChannelMessages(ctx context.Context, channel string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open selects a Store implementation by driver name.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite", "":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("storage: unknown driver %q", driver)
	}
}

// helpers shared by both drivers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// historyDuplicate reports whether an equal entry already sits within the
// window of the one being appended. Keeps the history log and the message
// store from drifting apart when a partially failed ingestion is retried.
func historyDuplicate(entries []model.HistoryEntry, entry model.HistoryEntry, window time.Duration) bool {
	for _, old := range entries {
		if old.Action != entry.Action || old.Body != entry.Body {
			continue
		}
		diff := entry.Timestamp.Sub(old.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff < window {
			return true
		}
	}
	return false
}
