package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
)

// Candidate payload field names per logical value, highest priority first.
// SMS providers do not agree on naming; the first usable value wins and the
// rest are ignored.
var (
	senderFields    = []string{"sender", "from", "msisdn", "source", "originator"}
	bodyFields      = []string{"content", "message", "body", "text", "messageText"}
	messageIDFields = []string{"messageId", "message_id", "id", "smsId", "msgId"}
	timestampFields = []string{"timestamp", "receivedAt", "received_at", "datetime", "date"}
)

// timestampLayouts are tried in order for string-valued timestamps. Layouts
// without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Unix values above this are milliseconds; plausible seconds values stay
// below it for the next couple of centuries.
const unixMillisCutoff = 1e10

// ParsePayload resolves a decoded webhook body into the fixed InboundMessage
// schema. Everything downstream operates on this one struct; the
// variable-shaped payload is never consulted again. arrival is the fallback
// receive time when the payload carries no parseable timestamp.
func ParsePayload(raw map[string]any, arrival time.Time) model.InboundMessage {
	msg := model.InboundMessage{
		Sender:            firstString(raw, senderFields),
		Body:              firstString(raw, bodyFields),
		ProviderMessageID: firstString(raw, messageIDFields),
		ReceivedAt:        arrival,
	}
	if ts, ok := firstTimestamp(raw, timestampFields); ok {
		msg.ReceivedAt = ts
	}
	return msg
}

// firstString returns the first non-blank string under the candidate keys.
// Numeric values are accepted too: some providers send the sender or the
// message id as a JSON number.
func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		switch t := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			if t != 0 {
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}

func firstTimestamp(raw map[string]any, keys []string) (time.Time, bool) {
	for _, k := range keys {
		switch t := raw[k].(type) {
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts, true
				}
			}
			if n, err := strconv.ParseFloat(s, 64); err == nil && n > 0 {
				return fromUnix(n), true
			}
		case float64:
			if t > 0 {
				return fromUnix(t), true
			}
		}
	}
	return time.Time{}, false
}

// fromUnix reads n as unix seconds, or as unix milliseconds when it is too
// large to be a seconds value.
func fromUnix(n float64) time.Time {
	if n > unixMillisCutoff {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
