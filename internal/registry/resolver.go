package registry

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"scribe/backend/internal/config"
	"scribe/backend/internal/provider"
)

var ErrBadModel = errors.New("model is unknown or has no usable adapter")

// Default chat-completion endpoints for core providers the user may bring a
// key for. A core adapter with no known or configured base URL is skipped.
var coreBaseURLs = map[string]string{
	"openai": "https://api.openai.com/v1",
	"google": "https://generativelanguage.googleapis.com/v1beta/openai",
	"xai":    "https://api.x.ai/v1",
}

// Resolution is the outcome of adapter selection: a callable backend plus
// the metadata the gateway needs for persistence and billing.
type Resolution struct {
	Text        provider.TextBackend
	Image       provider.ImageBackend
	Model       Model
	DisplayName string
	Provider    string
	Kind        ProviderKind
	Charged     bool
}

type Resolver struct {
	cfg        config.Config
	httpClient *http.Client
}

func NewResolver(cfg config.Config, httpClient *http.Client) Resolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Resolver{cfg: cfg, httpClient: httpClient}
}

func adapterPriority(kind ProviderKind) int {
	switch kind {
	case KindCore:
		return 1
	case KindAggregator:
		return 2
	case KindInternal:
		return 3
	default:
		return 4
	}
}

// Resolve walks the model's adapters in priority order and returns the first
// one that yields both a concrete provider configuration and a constructible
// backend for the requested modality. Selection is pure over the snapshot.
func (r Resolver) Resolve(snapshot Snapshot, modelID, modality string) (Resolution, error) {
	model, ok := snapshot.Models[modelID]
	if !ok || len(model.Adapters) == 0 {
		return Resolution{}, ErrBadModel
	}
	if modality == "" {
		modality = model.Modality
	}

	type candidate struct {
		cfg      ProviderConfig
		priority int
		position int
	}
	candidates := make([]candidate, 0, len(model.Adapters))
	for position, providerKey := range model.Adapters {
		providerCfg, ok := snapshot.Providers[providerKey]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			cfg:      providerCfg,
			priority: adapterPriority(providerCfg.Kind),
			position: position,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].position < candidates[j].position
	})

	for _, item := range candidates {
		backendCfg, ok := r.providerEndpoint(item.cfg, model)
		if !ok {
			continue
		}

		client := provider.NewClient(backendCfg.baseURL, backendCfg.apiKey, r.httpClient)
		resolution := Resolution{
			Model:       model,
			DisplayName: displayName(model),
			Provider:    item.cfg.Provider,
			Kind:        item.cfg.Kind,
			Charged:     !backendCfg.byok,
		}
		switch modality {
		case ModalityImage:
			resolution.Image = client
		default:
			resolution.Text = client
		}
		return resolution, nil
	}

	return Resolution{}, ErrBadModel
}

type endpoint struct {
	baseURL string
	apiKey  string
	byok    bool
}

func (r Resolver) providerEndpoint(providerCfg ProviderConfig, model Model) (endpoint, bool) {
	switch providerCfg.Kind {
	case KindCore:
		key := strings.TrimSpace(providerCfg.APIKey)
		if key == "" {
			return endpoint{}, false
		}
		baseURL := strings.TrimSpace(providerCfg.BaseURL)
		if baseURL == "" {
			baseURL = coreBaseURLs[providerCfg.Provider]
		}
		if baseURL == "" {
			return endpoint{}, false
		}
		return endpoint{baseURL: baseURL, apiKey: key, byok: true}, true

	case KindAggregator:
		if r.cfg.AggregatorAPIKey == "" {
			return endpoint{}, false
		}
		return endpoint{baseURL: r.cfg.AggregatorBaseURL, apiKey: r.cfg.AggregatorAPIKey}, true

	case KindInternal:
		// Internal adapters only serve models in the first-party catalog.
		if _, ok := r.cfg.FirstPartyModels[normalizeModelID(model.ID)]; !ok {
			return endpoint{}, false
		}
		if r.cfg.InternalBaseURL == "" || r.cfg.InternalAPIKey == "" {
			return endpoint{}, false
		}
		return endpoint{baseURL: r.cfg.InternalBaseURL, apiKey: r.cfg.InternalAPIKey}, true

	case KindCustom:
		key := strings.TrimSpace(providerCfg.APIKey)
		baseURL := strings.TrimSpace(providerCfg.BaseURL)
		if key == "" || baseURL == "" {
			return endpoint{}, false
		}
		return endpoint{baseURL: baseURL, apiKey: key, byok: true}, true
	}
	return endpoint{}, false
}

func displayName(model Model) string {
	if name := strings.TrimSpace(model.DisplayName); name != "" {
		return name
	}
	return model.ID
}
