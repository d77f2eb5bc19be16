package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
)

// OrphanScope is the identity scope for messages that resolved to no lead.
// Orphans deduplicate against each other, never against owned messages.
const OrphanScope = "orphan"

// IdentityKey returns the deterministic identity of one physical message.
//
// A provider-supplied message id is trusted verbatim. Without one, the key is
// derived from what the provider is guaranteed to redeliver unchanged: the
// normalized sender, the reported receive time, and the body, scoped to the
// attributed lead so that the same text from two different senders can never
// collide.
func IdentityKey(msg model.InboundMessage, normalizedSender, scope string) string {
	if msg.ProviderMessageID != "" {
		return msg.ProviderMessageID
	}
	sum := sha256.Sum256([]byte(normalizedSender + "|" + strconv.FormatInt(msg.ReceivedAt.UnixMilli(), 10) + "|" + msg.Body))
	return "sms:" + scope + ":" + hex.EncodeToString(sum[:])
}
