package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/auth"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/config"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/dedup"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/ingest"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/notify"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/resolve"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/storage"
)

type noopNotifier struct{}

func (noopNotifier) PublishInbound(context.Context, notify.Event) error { return nil }

// newTestAPI wires the full stack over a throwaway SQLite store: real
// resolver, real gate, real pipeline, no broker.
func newTestAPI(t *testing.T) (http.Handler, storage.Store) {
	t.Helper()

	st, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	gate := dedup.NewGate(st, nil, dedup.DefaultWindow, dedup.DefaultStoreWindow)
	pipeline := ingest.NewService(resolve.New(st, "44"), gate, st, noopNotifier{}, "44", 0)

	cfg := config.Defaults()
	auth.SetSecret("api-test-secret")

	return NewAPI(pipeline, st, &cfg).Router(), st
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	return tok
}

func postWebhook(t *testing.T, router http.Handler, payload map[string]any) map[string]any {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func getJSON(t *testing.T, router http.Handler, path, token string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp map[string]any
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func seedLead(t *testing.T, st storage.Store, phone string) *model.Lead {
	t.Helper()
	lead := &model.Lead{Name: "Webhook Lead", Phone: phone, AssignedTo: "booker-1"}
	require.NoError(t, st.CreateLead(context.Background(), lead))
	return lead
}

// --- Webhook ---

func TestWebhook_ReceivedAndListed(t *testing.T) {
	router, st := newTestAPI(t)
	lead := seedLead(t, st, "+447700900123")

	resp := postWebhook(t, router, map[string]any{
		"from":      "07700900123",
		"content":   "Can we move to Friday?",
		"messageId": "prov-001",
	})
	assert.Equal(t, string(model.StatusReceived), resp["status"])
	assert.NotEmpty(t, resp["message_id"])
	assert.Equal(t, lead.ID.String(), resp["lead_id"])

	code, list := getJSON(t, router, "/api/messages", adminToken(t))
	require.Equal(t, http.StatusOK, code)
	data := list["data"].([]any)
	require.Len(t, data, 1)
	first := data[0].(map[string]any)
	assert.Equal(t, "Can we move to Friday?", first["body"])
	assert.Equal(t, lead.ID.String(), first["lead_id"])
}

func TestWebhook_DuplicateIgnored(t *testing.T) {
	router, st := newTestAPI(t)
	seedLead(t, st, "+447700900123")

	payload := map[string]any{
		"sender":    "07700900123",
		"message":   "confirmed for 3pm",
		"messageId": "prov-dup-1",
	}
	first := postWebhook(t, router, payload)
	require.Equal(t, string(model.StatusReceived), first["status"])

	second := postWebhook(t, router, payload)
	assert.Equal(t, string(model.StatusDuplicateIgnored), second["status"])
	assert.Nil(t, second["message_id"], "a duplicate stores nothing")
}

func TestWebhook_OrphanFlow(t *testing.T) {
	router, _ := newTestAPI(t)

	resp := postWebhook(t, router, map[string]any{
		"sender":  "07999000111",
		"content": "hello, new number here",
	})
	assert.Equal(t, string(model.StatusUnknownSenderSkipped), resp["status"])
	assert.Nil(t, resp["lead_id"])

	code, list := getJSON(t, router, "/api/messages?orphans=true", adminToken(t))
	require.Equal(t, http.StatusOK, code)
	data := list["data"].([]any)
	require.Len(t, data, 1)
	first := data[0].(map[string]any)
	assert.Nil(t, first["lead_id"])
	assert.NotEmpty(t, first["note"])
}

func TestWebhook_RejectsUnusablePayloads(t *testing.T) {
	router, _ := newTestAPI(t)

	resp := postWebhook(t, router, map[string]any{"content": "no sender"})
	assert.Equal(t, string(model.StatusRejected), resp["status"])

	// Undecodable body: still a handled 200 so the provider does not retry.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", bytes.NewReader([]byte("{oops")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(model.StatusRejected))
}

// --- Admin API ---

func TestAPI_RequiresAdminToken(t *testing.T) {
	router, _ := newTestAPI(t)

	code, _ := getJSON(t, router, "/api/messages", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	viewer, err := auth.GenerateToken("viewer", "viewer", time.Hour)
	require.NoError(t, err)
	code, _ = getJSON(t, router, "/api/messages", viewer)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAPI_GetMessage(t *testing.T) {
	router, st := newTestAPI(t)
	seedLead(t, st, "+447700900123")
	resp := postWebhook(t, router, map[string]any{
		"sender":    "07700900123",
		"content":   "keep this one",
		"messageId": "prov-get-1",
	})
	id := resp["message_id"].(string)

	code, got := getJSON(t, router, "/api/messages/"+id, adminToken(t))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "keep this one", got["body"])

	code, _ = getJSON(t, router, "/api/messages/00000000-0000-0000-0000-000000000001", adminToken(t))
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = getJSON(t, router, "/api/messages/not-a-uuid", adminToken(t))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_ListValidatesParams(t *testing.T) {
	router, _ := newTestAPI(t)
	token := adminToken(t)

	code, _ := getJSON(t, router, "/api/messages?cursor=banana", token)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = getJSON(t, router, "/api/messages?lead_id=banana", token)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = getJSON(t, router, "/api/messages?limit=banana", token)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_PurgeMessages(t *testing.T) {
	router, st := newTestAPI(t)
	seedLead(t, st, "+447700900123")
	postWebhook(t, router, map[string]any{
		"sender":    "07700900123",
		"content":   "soon to be purged",
		"messageId": "prov-purge-1",
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/messages", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, float64(1), res["messages_deleted"])

	code, list := getJSON(t, router, "/api/messages", adminToken(t))
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, list["data"])
}

func TestHealth(t *testing.T) {
	router, _ := newTestAPI(t)

	code, resp := getJSON(t, router, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
}
