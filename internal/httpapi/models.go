package httpapi

import (
	"errors"
	"log"
	"net/http"
	"sort"

	"scribe/backend/internal/registry"
)

// Provider key the aggregator catalog syncs under.
const aggregatorProviderKey = "openrouter"

// ListModels returns the caller's registry: every model they can request,
// with its abilities and whether the best adapter would bill the request.
func (h Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	snapshot, err := registry.LoadSnapshot(r.Context(), h.db, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load model registry")
		return
	}

	type modelResponse struct {
		ID        string   `json:"id"`
		Name      string   `json:"name"`
		Modality  string   `json:"modality"`
		Abilities []string `json:"abilities"`
		Charged   bool     `json:"charged"`
	}

	models := make([]modelResponse, 0, len(snapshot.Models))
	for _, model := range snapshot.Models {
		entry := modelResponse{
			ID:        model.ID,
			Name:      model.DisplayName,
			Modality:  model.Modality,
			Abilities: model.Abilities,
			Charged:   true,
		}
		if entry.Name == "" {
			entry.Name = model.ID
		}
		if resolution, err := h.resolver.Resolve(snapshot, model.ID, ""); err == nil {
			entry.Charged = resolution.Charged
		}
		models = append(models, entry)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// SyncModels refreshes the caller's registry from the aggregator's catalog
// listing. Models the user configured by hand keep their rows.
func (h Handler) SyncModels(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	catalog, err := registry.FetchCatalog(r.Context(), nil, h.cfg.AggregatorBaseURL, h.cfg.AggregatorAPIKey)
	if errors.Is(err, registry.ErrAggregatorUnconfigured) {
		writeError(w, http.StatusServiceUnavailable, "aggregator_unconfigured", "aggregator credentials are not configured")
		return
	}
	if err != nil {
		log.Printf("msg=\"catalog fetch failed\" user_id=%s error=%q", user.ID, err)
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch aggregator catalog")
		return
	}

	synced, err := registry.SyncAggregator(r.Context(), h.db, user.ID, aggregatorProviderKey, catalog)
	if err != nil {
		log.Printf("msg=\"catalog sync failed\" user_id=%s error=%q", user.ID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to sync model registry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced})
}
