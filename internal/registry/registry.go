// Package registry holds the per-user model registry: which providers the
// user has configured, which logical models they can request, and the ordered
// adapter list behind each model. A snapshot is fetched fresh per request and
// never mutated by the gateway.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type ProviderKind string

const (
	KindCore       ProviderKind = "core"       // user-supplied key for a first-class provider (BYOK)
	KindAggregator ProviderKind = "aggregator" // shared OpenRouter endpoint, always charged
	KindInternal   ProviderKind = "internal"   // first-party inference, always charged
	KindCustom     ProviderKind = "custom"     // arbitrary OpenAI-compatible endpoint, always BYOK
)

const (
	AbilityFunctionCalling = "function-calling"
	AbilityVision          = "vision"
	AbilityPDF             = "pdf"
	AbilityReasoning       = "reasoning"
	AbilityEffortControl   = "effort-control"
)

const (
	ModalityText  = "text"
	ModalityImage = "image"
)

type ProviderConfig struct {
	Provider string
	Kind     ProviderKind
	APIKey   string
	BaseURL  string
}

type Model struct {
	ID          string
	DisplayName string
	Modality    string
	Abilities   []string
	// Adapters lists provider keys in stored position order; the resolver
	// re-sorts them by priority.
	Adapters []string
}

func (m Model) HasAbility(name string) bool {
	for _, ability := range m.Abilities {
		if ability == name {
			return true
		}
	}
	return false
}

type Snapshot struct {
	Providers map[string]ProviderConfig
	Models    map[string]Model
}

// LoadSnapshot reads the user's registry in one pass per table.
func LoadSnapshot(ctx context.Context, database *sql.DB, userID string) (Snapshot, error) {
	snapshot := Snapshot{
		Providers: make(map[string]ProviderConfig),
		Models:    make(map[string]Model),
	}

	providerRows, err := database.QueryContext(ctx, `
SELECT provider, kind, api_key, base_url
FROM providers
WHERE user_id = ?;
`, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load providers: %w", err)
	}
	defer providerRows.Close()

	for providerRows.Next() {
		var cfg ProviderConfig
		var kind string
		if err := providerRows.Scan(&cfg.Provider, &kind, &cfg.APIKey, &cfg.BaseURL); err != nil {
			return Snapshot{}, fmt.Errorf("scan provider: %w", err)
		}
		cfg.Kind = ProviderKind(kind)
		snapshot.Providers[cfg.Provider] = cfg
	}
	if err := providerRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("load providers: %w", err)
	}

	modelRows, err := database.QueryContext(ctx, `
SELECT id, display_name, modality, abilities
FROM models
WHERE user_id = ?;
`, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load models: %w", err)
	}
	defer modelRows.Close()

	for modelRows.Next() {
		var model Model
		var rawAbilities string
		if err := modelRows.Scan(&model.ID, &model.DisplayName, &model.Modality, &rawAbilities); err != nil {
			return Snapshot{}, fmt.Errorf("scan model: %w", err)
		}
		if err := json.Unmarshal([]byte(rawAbilities), &model.Abilities); err != nil {
			return Snapshot{}, fmt.Errorf("decode abilities for model %s: %w", model.ID, err)
		}
		snapshot.Models[model.ID] = model
	}
	if err := modelRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("load models: %w", err)
	}

	adapterRows, err := database.QueryContext(ctx, `
SELECT model_id, provider
FROM model_adapters
WHERE user_id = ?
ORDER BY model_id, position ASC;
`, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load model adapters: %w", err)
	}
	defer adapterRows.Close()

	for adapterRows.Next() {
		var modelID, providerKey string
		if err := adapterRows.Scan(&modelID, &providerKey); err != nil {
			return Snapshot{}, fmt.Errorf("scan model adapter: %w", err)
		}
		model, ok := snapshot.Models[modelID]
		if !ok {
			continue
		}
		model.Adapters = append(model.Adapters, providerKey)
		snapshot.Models[modelID] = model
	}
	if err := adapterRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("load model adapters: %w", err)
	}

	return snapshot, nil
}

func normalizeModelID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
