package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxCatalogErrorBodyBytes = 8 * 1024

var ErrAggregatorUnconfigured = errors.New("aggregator credentials are not configured")

// CatalogModel is one entry of the aggregator's model listing, reduced to
// what the registry stores.
type CatalogModel struct {
	ID          string
	DisplayName string
	Modality    string
	Abilities   []string
}

type catalogAPIResponse struct {
	Data []catalogAPIModel `json:"data"`
}

type catalogAPIModel struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Architecture struct {
		InputModalities  []string `json:"input_modalities"`
		OutputModalities []string `json:"output_modalities"`
	} `json:"architecture"`
	SupportedParameters []string `json:"supported_parameters"`
}

type catalogStatusError struct {
	statusCode int
	body       string
}

func (e catalogStatusError) Error() string {
	return fmt.Sprintf("aggregator models returned %d: %s", e.statusCode, e.body)
}

// FetchCatalog lists the aggregator's models. The key-scoped listing is
// preferred; aggregators without one fall back to the public catalog.
func FetchCatalog(ctx context.Context, httpClient *http.Client, baseURL, apiKey string) ([]CatalogModel, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(apiKey) == "" {
		return nil, ErrAggregatorUnconfigured
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")

	models, err := fetchCatalogFromPath(ctx, httpClient, baseURL+"/models/user", apiKey)
	if err == nil {
		return models, nil
	}
	var statusErr catalogStatusError
	if errors.As(err, &statusErr) && (statusErr.statusCode == http.StatusNotFound || statusErr.statusCode == http.StatusMethodNotAllowed) {
		return fetchCatalogFromPath(ctx, httpClient, baseURL+"/models", apiKey)
	}
	return nil, err
}

func fetchCatalogFromPath(ctx context.Context, httpClient *http.Client, endpoint, apiKey string) ([]CatalogModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request aggregator catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxCatalogErrorBodyBytes))
		return nil, catalogStatusError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var parsed catalogAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode aggregator catalog: %w", err)
	}

	models := make([]CatalogModel, 0, len(parsed.Data))
	for _, entry := range parsed.Data {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			continue
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = id
		}
		models = append(models, CatalogModel{
			ID:          id,
			DisplayName: name,
			Modality:    catalogModality(entry.Architecture.OutputModalities),
			Abilities:   catalogAbilities(entry),
		})
	}
	return models, nil
}

func catalogModality(outputModalities []string) string {
	for _, modality := range outputModalities {
		if strings.EqualFold(strings.TrimSpace(modality), "image") {
			return ModalityImage
		}
	}
	return ModalityText
}

func catalogAbilities(entry catalogAPIModel) []string {
	var abilities []string
	add := func(ability string) {
		for _, existing := range abilities {
			if existing == ability {
				return
			}
		}
		abilities = append(abilities, ability)
	}

	for _, parameter := range entry.SupportedParameters {
		switch strings.ToLower(strings.TrimSpace(parameter)) {
		case "tools", "tool_choice":
			add(AbilityFunctionCalling)
		case "reasoning", "include_reasoning":
			add(AbilityReasoning)
		case "reasoning_effort":
			add(AbilityReasoning)
			add(AbilityEffortControl)
		}
	}
	for _, modality := range entry.Architecture.InputModalities {
		switch strings.ToLower(strings.TrimSpace(modality)) {
		case "image":
			add(AbilityVision)
		case "file":
			add(AbilityPDF)
		}
	}
	return abilities
}

// SyncAggregator writes the fetched catalog into the user's registry: one
// aggregator provider row plus a model and adapter row per catalog entry.
// Existing rows are refreshed in place; models the user added by hand are
// left alone.
func SyncAggregator(ctx context.Context, database *sql.DB, userID, providerKey string, models []CatalogModel) (int, error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin catalog sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO providers (user_id, provider, kind)
VALUES (?, ?, ?)
ON CONFLICT(user_id, provider) DO NOTHING;
`, userID, providerKey, string(KindAggregator)); err != nil {
		return 0, fmt.Errorf("upsert aggregator provider: %w", err)
	}

	synced := 0
	for _, model := range models {
		encodedAbilities, err := json.Marshal(model.Abilities)
		if err != nil {
			return 0, fmt.Errorf("encode abilities for %s: %w", model.ID, err)
		}
		if model.Abilities == nil {
			encodedAbilities = []byte("[]")
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO models (user_id, id, display_name, modality, abilities)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id, id) DO UPDATE SET
  display_name = excluded.display_name,
  modality = excluded.modality,
  abilities = excluded.abilities;
`, userID, model.ID, model.DisplayName, model.Modality, string(encodedAbilities)); err != nil {
			return 0, fmt.Errorf("upsert model %s: %w", model.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO model_adapters (user_id, model_id, provider, position)
VALUES (?, ?, ?, 0)
ON CONFLICT(user_id, model_id, provider) DO NOTHING;
`, userID, model.ID, providerKey); err != nil {
			return 0, fmt.Errorf("upsert adapter for %s: %w", model.ID, err)
		}
		synced++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit catalog sync: %w", err)
	}
	return synced, nil
}
