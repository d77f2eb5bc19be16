// Package ingest runs one inbound webhook delivery through the
// reconciliation pipeline: validate the payload, attribute the sender to a
// lead, gate out redeliveries, persist the message, append lead history and
// fan out a notification event. Only persistence failures abort a call, so
// that the provider's own redelivery finishes an interrupted write; history
// and notification failures are logged and absorbed.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/dedup"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/metrics"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/notify"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/phone"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/resolve"
)

const (
	// defaultHistoryWindow bounds the in-store history dedup on append.
	defaultHistoryWindow = 10 * time.Minute
	// defaultOpTimeout caps one delivery's store and broker work. Recovery
	// from a timeout is the provider's redelivery, not an in-process retry.
	defaultOpTimeout = 5 * time.Second

	// orphanNote is stored with messages no lead claimed.
	orphanNote = "unmatched sender, held for manual triage"

	// outcomeError is the IngestOutcomes label for aborted deliveries.
	outcomeError = "error"
)

// MessageWriter is the slice of the record store the pipeline writes.
type MessageWriter interface {
	InsertMessage(ctx context.Context, m *model.StoredMessage) error
	AppendLeadHistory(ctx context.Context, leadID uuid.UUID, entry model.HistoryEntry, window time.Duration) (bool, error)
}

// Notifier publishes the inbound event after a successful ingestion.
type Notifier interface {
	PublishInbound(ctx context.Context, ev notify.Event) error
}

// Result is the terminal outcome of one delivery. MessageID is set only when
// a new message was stored this call.
type Result struct {
	Status    model.IngestStatus `json:"status"`
	MessageID uuid.UUID          `json:"message_id,omitempty"`
	LeadID    *uuid.UUID         `json:"lead_id,omitempty"`
}

// Service is the ingestion pipeline. Constructed once at startup; Process is
// safe for concurrent deliveries, the dedup gate serializes the only shared
// state.
type Service struct {
	resolver *resolve.Resolver
	gate     *dedup.Gate
	store    MessageWriter
	notifier Notifier

	countryCode   string
	historyWindow time.Duration
	opTimeout     time.Duration
}

// NewService wires the pipeline. historyWindow <= 0 selects the default.
func NewService(resolver *resolve.Resolver, gate *dedup.Gate, store MessageWriter, notifier Notifier, countryCode string, historyWindow time.Duration) *Service {
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &Service{
		resolver:      resolver,
		gate:          gate,
		store:         store,
		notifier:      notifier,
		countryCode:   countryCode,
		historyWindow: historyWindow,
		opTimeout:     defaultOpTimeout,
	}
}

// Process runs one delivery to its terminal status. The returned error is
// non-nil only for persistence failures; every other condition, duplicates
// and unmatched senders included, is a handled Result.
func (s *Service) Process(ctx context.Context, msg model.InboundMessage) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	msg.Sender = strings.TrimSpace(msg.Sender)
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.Sender == "" || msg.Body == "" {
		metrics.IngestOutcomes.WithLabelValues(string(model.StatusRejected)).Inc()
		zap.L().Warn("webhook payload rejected",
			zap.Bool("has_sender", msg.Sender != ""),
			zap.Bool("has_body", msg.Body != ""),
		)
		return Result{Status: model.StatusRejected}, nil
	}

	lead, err := s.resolver.Resolve(ctx, msg.Sender)
	if err != nil {
		metrics.IngestOutcomes.WithLabelValues(outcomeError).Inc()
		return Result{}, NewPersistenceError(err)
	}

	var leadID *uuid.UUID
	scope := dedup.OrphanScope
	if lead != nil {
		id := lead.ID
		leadID = &id
		scope = lead.ID.String()
	}
	key := dedup.IdentityKey(msg, phone.Normalize(msg.Sender, s.countryCode), scope)

	verdict, err := s.gate.CheckAndReserve(ctx, key, leadID, msg.Body)
	if err != nil {
		metrics.IngestOutcomes.WithLabelValues(outcomeError).Inc()
		return Result{}, NewPersistenceError(err)
	}
	if verdict.Duplicate() {
		metrics.IngestOutcomes.WithLabelValues(string(model.StatusDuplicateIgnored)).Inc()
		zap.L().Info("duplicate delivery ignored",
			zap.String("sender", msg.Sender),
			zap.String("dedup_layer", verdict.Layer()),
		)
		return Result{Status: model.StatusDuplicateIgnored, LeadID: leadID}, nil
	}

	stored := &model.StoredMessage{
		LeadID:      leadID,
		Channel:     model.ChannelSMS,
		Body:        msg.Body,
		SenderPhone: msg.Sender,
		ReceivedAt:  msg.ReceivedAt,
	}
	if lead == nil {
		stored.Note = orphanNote
	}
	if err := s.store.InsertMessage(ctx, stored); err != nil {
		// The reservation must not outlive the failed write, the provider's
		// redelivery needs a clean check.
		s.gate.Release(key)
		metrics.IngestOutcomes.WithLabelValues(outcomeError).Inc()
		return Result{}, NewPersistenceError(eris.Wrap(err, "ingest: store message"))
	}
	s.gate.Confirm(key)

	if lead != nil {
		s.appendHistory(ctx, lead.ID, stored.ID, msg)
	}
	s.publish(ctx, lead, stored)

	status := model.StatusReceived
	if lead == nil {
		status = model.StatusUnknownSenderSkipped
	}
	metrics.IngestOutcomes.WithLabelValues(string(status)).Inc()
	zap.L().Info("inbound sms ingested",
		zap.String("message_id", stored.ID.String()),
		zap.String("sender", msg.Sender),
		zap.String("status", string(status)),
	)
	return Result{Status: status, MessageID: stored.ID, LeadID: leadID}, nil
}

// appendHistory mirrors the stored message into the lead's history log.
// The message is already durable, so a failure here is logged, counted and
// absorbed rather than unwinding the call.
func (s *Service) appendHistory(ctx context.Context, leadID, messageID uuid.UUID, msg model.InboundMessage) {
	entry := model.HistoryEntry{
		Action:    model.HistoryActionSMSReceived,
		Channel:   model.ChannelSMS,
		Body:      msg.Body,
		Timestamp: msg.ReceivedAt,
	}
	if _, err := s.store.AppendLeadHistory(ctx, leadID, entry, s.historyWindow); err != nil {
		metrics.HistoryFailures.Inc()
		zap.L().Error("lead history append failed",
			zap.String("lead_id", leadID.String()),
			zap.String("message_id", messageID.String()),
			zap.Error(err),
		)
	}
}

// publish fans the stored message out as an inbound event, best effort.
func (s *Service) publish(ctx context.Context, lead *model.Lead, stored *model.StoredMessage) {
	ev := notify.Event{
		MessageID:  stored.ID,
		LeadID:     stored.LeadID,
		Sender:     stored.SenderPhone,
		Body:       stored.Body,
		ReceivedAt: stored.ReceivedAt,
		Orphan:     lead == nil,
	}
	if lead != nil {
		ev.LeadName = lead.Name
		ev.AssignedTo = lead.AssignedTo
	}
	if err := s.notifier.PublishInbound(ctx, ev); err != nil {
		metrics.NotifyFailures.Inc()
		zap.L().Error("inbound event publish failed",
			zap.String("message_id", stored.ID.String()),
			zap.Error(err),
		)
	}
}
