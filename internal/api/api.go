// internal/api/api.go
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/config"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/ingest"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/storage"
)

// API carries the HTTP surface: the public webhook plus the token-guarded
// message administration endpoints.
type API struct {
	Pipeline *ingest.Service
	Store    storage.Store
	Cfg      *config.Config
	Routers  *chi.Mux
}

func NewAPI(pipeline *ingest.Service, store storage.Store, cfg *config.Config) *API {
	return &API{
		Pipeline: pipeline,
		Store:    store,
		Cfg:      cfg,
		Routers:  chi.NewRouter(),
	}
}
