// internal/model/message.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// ChannelSMS is the channel tag stored with every message this service ingests.
const ChannelSMS = "sms"

// IngestStatus is the terminal outcome of processing one webhook delivery.
type IngestStatus string

const (
	// StatusReceived: a new message was persisted and attributed to a lead.
	StatusReceived IngestStatus = "received"
	// StatusDuplicateIgnored: the delivery repeated an already-ingested message.
	StatusDuplicateIgnored IngestStatus = "duplicate_ignored"
	// StatusUnknownSenderSkipped: no lead matched; the message was parked as an orphan.
	StatusUnknownSenderSkipped IngestStatus = "unknown_sender_skipped"
	// StatusRejected: the payload had no usable sender or body.
	StatusRejected IngestStatus = "rejected"
)

// InboundMessage is the strongly-typed view of one webhook delivery. It is
// built once at the validation boundary and never mutated afterwards.
type InboundMessage struct {
	Sender            string    `json:"sender"`
	Body              string    `json:"body"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// StoredMessage is the durable record of one ingested message. LeadID is nil
// for orphans that could not be attributed to any lead; Note carries the
// triage hint for those.
type StoredMessage struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	LeadID      *uuid.UUID `db:"lead_id" json:"lead_id,omitempty"`
	Channel     string     `db:"channel" json:"channel"`
	Body        string     `db:"body" json:"body"`
	SenderPhone string     `db:"sender_phone" json:"sender_phone"`
	Note        string     `db:"note" json:"note,omitempty"`
	ReceivedAt  time.Time  `db:"received_at" json:"received_at"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
