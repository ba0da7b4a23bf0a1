package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"scribe/backend/internal/db"

	_ "modernc.org/sqlite"
)

func newSyncTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func TestFetchCatalogRequiresCredentials(t *testing.T) {
	if _, err := FetchCatalog(context.Background(), nil, "", "key"); !errors.Is(err, ErrAggregatorUnconfigured) {
		t.Fatalf("expected ErrAggregatorUnconfigured, got %v", err)
	}
	if _, err := FetchCatalog(context.Background(), nil, "http://unused.test", ""); !errors.Is(err, ErrAggregatorUnconfigured) {
		t.Fatalf("expected ErrAggregatorUnconfigured, got %v", err)
	}
}

func TestFetchCatalogParsesAndFallsBack(t *testing.T) {
	var requestPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestPaths = append(requestPaths, r.URL.Path)
		switch r.URL.Path {
		case "/models/user":
			http.NotFound(w, r)
		case "/models":
			fmt.Fprint(w, `{
  "data": [
    {
      "id": "acme/chat-large",
      "name": "Chat Large",
      "architecture": {"input_modalities": ["text", "image"], "output_modalities": ["text"]},
      "supported_parameters": ["tools", "reasoning_effort"]
    },
    {
      "id": "acme/painter",
      "architecture": {"input_modalities": ["text"], "output_modalities": ["image"]},
      "supported_parameters": []
    },
    {"id": "  "}
  ]
}`)
		default:
			http.Error(w, "unexpected path", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	catalog, err := FetchCatalog(context.Background(), nil, server.URL, "test-key")
	if err != nil {
		t.Fatalf("fetch catalog: %v", err)
	}
	if len(requestPaths) != 2 || requestPaths[0] != "/models/user" || requestPaths[1] != "/models" {
		t.Fatalf("expected key-scoped listing then fallback, got %v", requestPaths)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected 2 models after dropping the blank id, got %d", len(catalog))
	}

	chat := catalog[0]
	if chat.ID != "acme/chat-large" || chat.DisplayName != "Chat Large" || chat.Modality != ModalityText {
		t.Fatalf("unexpected chat model: %+v", chat)
	}
	wantAbilities := map[string]bool{
		AbilityFunctionCalling: true,
		AbilityReasoning:       true,
		AbilityEffortControl:   true,
		AbilityVision:          true,
	}
	if len(chat.Abilities) != len(wantAbilities) {
		t.Fatalf("unexpected abilities: %v", chat.Abilities)
	}
	for _, ability := range chat.Abilities {
		if !wantAbilities[ability] {
			t.Fatalf("unexpected ability %q", ability)
		}
	}

	painter := catalog[1]
	if painter.Modality != ModalityImage || painter.DisplayName != "acme/painter" {
		t.Fatalf("unexpected image model: %+v", painter)
	}
}

func TestSyncAggregatorUpsertsRegistry(t *testing.T) {
	database := newSyncTestDB(t)
	ctx := context.Background()

	catalog := []CatalogModel{
		{ID: "acme/chat-large", DisplayName: "Chat Large", Modality: ModalityText, Abilities: []string{AbilityFunctionCalling}},
		{ID: "acme/painter", DisplayName: "Painter", Modality: ModalityImage},
	}

	synced, err := SyncAggregator(ctx, database, "user-1", "openrouter", catalog)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced != 2 {
		t.Fatalf("expected 2 synced models, got %d", synced)
	}

	snapshot, err := LoadSnapshot(ctx, database, "user-1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	provider, ok := snapshot.Providers["openrouter"]
	if !ok || provider.Kind != KindAggregator {
		t.Fatalf("aggregator provider missing: %+v", snapshot.Providers)
	}
	model, ok := snapshot.Models["acme/chat-large"]
	if !ok || len(model.Adapters) != 1 || model.Adapters[0] != "openrouter" {
		t.Fatalf("model not wired to the aggregator: %+v", model)
	}

	// A second sync refreshes display names without duplicating adapters.
	catalog[0].DisplayName = "Chat Large v2"
	if _, err := SyncAggregator(ctx, database, "user-1", "openrouter", catalog); err != nil {
		t.Fatalf("resync: %v", err)
	}
	snapshot, err = LoadSnapshot(ctx, database, "user-1")
	if err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	model = snapshot.Models["acme/chat-large"]
	if model.DisplayName != "Chat Large v2" || len(model.Adapters) != 1 {
		t.Fatalf("resync did not refresh in place: %+v", model)
	}
}
