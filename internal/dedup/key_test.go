package dedup

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
)

func TestIdentityKey_ProviderIDTrustedVerbatim(t *testing.T) {
	msg := model.InboundMessage{
		Sender:            "+447700900123",
		Body:              "hello",
		ProviderMessageID: "SM9f1e2d3c",
		ReceivedAt:        time.Now(),
	}

	assert.Equal(t, "SM9f1e2d3c", IdentityKey(msg, "447700900123", "lead-1"))
	assert.Equal(t, "SM9f1e2d3c", IdentityKey(msg, "447700900123", OrphanScope))
}

func TestIdentityKey_DerivedKeyIsStable(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := model.InboundMessage{Sender: "07700 900123", Body: "hello", ReceivedAt: at}

	k1 := IdentityKey(msg, "7700900123", "lead-1")
	k2 := IdentityKey(msg, "7700900123", "lead-1")
	assert.Equal(t, k1, k2, "identical redeliveries must collapse onto one key")
	assert.True(t, strings.HasPrefix(k1, "sms:lead-1:"))
}

func TestIdentityKey_DerivedKeyVariesPerMessage(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	base := model.InboundMessage{Sender: "07700900123", Body: "hello", ReceivedAt: at}
	baseKey := IdentityKey(base, "7700900123", OrphanScope)

	otherBody := base
	otherBody.Body = "hello again"
	assert.NotEqual(t, baseKey, IdentityKey(otherBody, "7700900123", OrphanScope))

	otherTime := base
	otherTime.ReceivedAt = at.Add(time.Second)
	assert.NotEqual(t, baseKey, IdentityKey(otherTime, "7700900123", OrphanScope))

	assert.NotEqual(t, baseKey, IdentityKey(base, "7700900124", OrphanScope))
	assert.NotEqual(t, baseKey, IdentityKey(base, "7700900123", "lead-1"),
		"the same text into a different scope is a different message")
}
