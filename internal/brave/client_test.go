package brave

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"scribe/backend/internal/config"
)

func newTestClient(baseURL, apiKey string) Client {
	return NewClient(config.Config{BraveAPIKey: apiKey, BraveBaseURL: baseURL}, nil)
}

func TestSearchRequiresAPIKey(t *testing.T) {
	client := newTestClient("http://unused.test", "")
	if _, err := client.Search(context.Background(), "golang", 5); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestSearchEmptyQueryShortCircuits(t *testing.T) {
	client := newTestClient("http://unused.test", "key")
	results, err := client.Search(context.Background(), "   ", 5)
	if err != nil || results != nil {
		t.Fatalf("expected nil/nil for empty query, got %v %v", results, err)
	}
}

func TestSearchDeduplicatesAndCaps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "test-key" {
			t.Errorf("unexpected subscription token: %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "golang testing" {
			t.Errorf("unexpected query: %q", got)
		}
		fmt.Fprint(w, `{
  "web": {"results": [
    {"url": "https://go.dev", "title": "Go", "description": "The Go site"},
    {"url": "https://go.dev", "title": "Go duplicate"},
    {"url": "https://pkg.go.dev", "title": "", "snippet": "Package docs"},
    {"url": "https://blog.go.dev", "title": "Blog", "description": "Posts"}
  ]}
}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, "test-key")
	results, err := client.Search(context.Background(), "golang testing", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected count cap of 2, got %d", len(results))
	}
	if results[0].URL != "https://go.dev" || results[0].Snippet != "The Go site" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	// Missing title falls back to the URL, missing description to the snippet.
	if results[1].Title != "https://pkg.go.dev" || results[1].Snippet != "Package docs" {
		t.Fatalf("unexpected second result: %+v", results[1])
	}
}

func TestSearchSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, "test-key")
	_, err := client.Search(context.Background(), "golang", 5)
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 APIError, got %v", err)
	}
}

func TestTrimToWordLimit(t *testing.T) {
	if got := trimToWordLimit("one  two   three", 2); got != "one two" {
		t.Fatalf("expected truncation to two words, got %q", got)
	}
	if got := trimToWordLimit("short query", 50); got != "short query" {
		t.Fatalf("expected query unchanged, got %q", got)
	}
}
