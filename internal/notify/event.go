// internal/notify/event.go
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the crm.events topic exchange. One event goes to the
// administrators channel always, and to the assigned booker's channel when
// the message was attributed.
const (
	AdminRoutingKey   = "sms.inbound.admin"
	userRoutingPrefix = "sms.inbound.user."
)

// UserRoutingKey returns the routing key for a booker's personal channel.
// assignedTo is the booker identifier leads carry; it must not contain
// spaces or AMQP wildcard characters.
func UserRoutingKey(assignedTo string) string {
	return userRoutingPrefix + assignedTo
}

// Event is published once per successful, non-duplicate ingestion.
type Event struct {
	MessageID  uuid.UUID  `json:"message_id"`
	LeadID     *uuid.UUID `json:"lead_id,omitempty"`
	LeadName   string     `json:"lead_name,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	Sender     string     `json:"sender"`
	Body       string     `json:"body"`
	ReceivedAt time.Time  `json:"received_at"`
	Orphan     bool       `json:"orphan"`
}
