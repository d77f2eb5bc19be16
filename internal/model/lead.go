// internal/model/lead.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// HistoryAction tags a history entry with the event that produced it.
const (
	HistoryActionSMSReceived = "sms_received"
)

// HistoryEntry is one immutable row of a lead's history log. Entries are
// appended by the subsystems that touch the lead and never edited afterwards.
type HistoryEntry struct {
	Action    string    `json:"action"`
	Channel   string    `json:"channel,omitempty"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Lead is the customer/lead record owned by the hosted CRM store. The
// ingestion pipeline only reads its core fields; the single exception is the
// append-only History log.
type Lead struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	Name       string         `db:"name" json:"name"`
	Phone      string         `db:"phone" json:"phone"`
	AssignedTo string         `db:"assigned_to" json:"assigned_to,omitempty"`
	History    []HistoryEntry `db:"history" json:"history,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}
