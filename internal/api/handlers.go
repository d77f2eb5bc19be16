// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "github.com/tmx156/EdgeTalentcrm-sub009/docs"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/auth"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/ingest"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/metrics"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/storage"
)

// maxWebhookBody caps provider callback bodies.
const maxWebhookBody = 1 << 20

func (a *API) Router() http.Handler {
	r := a.Routers

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Public: provider callbacks carry no credentials.
	r.Post("/webhooks/sms", a.InboundSMS)
	r.Get("/health", a.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	// Secured
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTAuthMiddleware)
		pr.Use(auth.RequireRole(auth.RoleAdmin))

		pr.Get("/api/messages", a.ListMessages)
		pr.Get("/api/messages/{id}", a.GetMessage)
		pr.Delete("/api/messages", a.PurgeMessages)
	})

	return r
}

func (a *API) corsOrigins() []string {
	if len(a.Cfg.Server.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return a.Cfg.Server.CORSOrigins
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// @Summary Receive an inbound SMS webhook
// @Description Providers always get a 200 with a status tag for handled
// @Description outcomes; 503 asks the provider to redeliver after a fault.
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]string
// @Router /webhooks/sms [post]
func (a *API) InboundSMS(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&raw); err != nil {
		// Undecodable payloads are a handled outcome, not a provider fault.
		writeJSON(w, http.StatusOK, map[string]any{"status": model.StatusRejected})
		return
	}

	msg := ingest.ParsePayload(raw, time.Now().UTC())
	res, err := a.Pipeline.Process(r.Context(), msg)
	if err != nil {
		zap.L().Error("webhook processing failed", zap.Error(err))
		if ingest.IsPersistence(err) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}

	resp := map[string]any{"status": res.Status}
	if res.MessageID != uuid.Nil {
		resp["message_id"] = res.MessageID
	}
	if res.LeadID != nil {
		resp["lead_id"] = res.LeadID
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary List stored SMS messages
// @Tags Messages
// @Security ApiKeyAuth
// @Produce json
// @Param cursor query string false "Pagination cursor"
// @Param limit query int false "Page size"
// @Param orphans query bool false "Only unattributed messages"
// @Param lead_id query string false "Only messages of one lead"
// @Success 200 {object} map[string]interface{}
// @Router /api/messages [get]
func (a *API) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.MessageFilter{
		Cursor:      q.Get("cursor"),
		OrphansOnly: q.Get("orphans") == "true",
	}
	if filter.Cursor != "" {
		if _, err := uuid.Parse(filter.Cursor); err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("lead_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, "invalid lead_id", http.StatusBadRequest)
			return
		}
		filter.LeadID = &id
	}

	messages, nextCursor, err := a.Store.ListMessages(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":        messages,
		"next_cursor": nextCursor,
	})
}

// @Summary Get one stored SMS message
// @Tags Messages
// @Security ApiKeyAuth
// @Produce json
// @Param id path string true "Message UUID"
// @Success 200 {object} model.StoredMessage
// @Failure 404 {string} string "not found"
// @Router /api/messages/{id} [get]
func (a *API) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	msg, err := a.Store.GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "message not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// @Summary Purge all SMS messages and their history entries
// @Tags Messages
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} storage.PurgeResult
// @Router /api/messages [delete]
func (a *API) PurgeMessages(w http.ResponseWriter, r *http.Request) {
	res, err := storage.NewPurger(a.Store, a.Cfg.Workers).Run(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	zap.L().Info("sms purge requested",
		zap.String("operator", auth.Subject(r)),
		zap.Int64("messages_deleted", res.MessagesDeleted),
	)
	writeJSON(w, http.StatusOK, res)
}

// @Summary Liveness probe
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
