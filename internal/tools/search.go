package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"scribe/backend/internal/brave"
)

const defaultSearchResults = 5
const maxSearchResults = 10

// Searcher is satisfied by brave.Client and by the pacing wrapper.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]brave.SearchResult, error)
}

type webSearchArgs struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

type webSearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

func WebSearchTool(searcher Searcher) Tool {
	return Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Returns a list of result pages with title, url and snippet.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The search query."},
    "count": {"type": "integer", "description": "How many results to return, at most 10."}
  },
  "required": ["query"]
}`),
		Execute: func(ctx context.Context, rawArgs json.RawMessage) (json.RawMessage, error) {
			var args webSearchArgs
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return nil, fmt.Errorf("invalid web_search arguments: %w", err)
			}
			if strings.TrimSpace(args.Query) == "" {
				return nil, fmt.Errorf("web_search requires a query")
			}
			count := args.Count
			if count <= 0 {
				count = defaultSearchResults
			}
			if count > maxSearchResults {
				count = maxSearchResults
			}

			found, err := searcher.Search(ctx, args.Query, count)
			if err != nil {
				return nil, fmt.Errorf("web search failed: %w", err)
			}

			results := make([]webSearchResult, 0, len(found))
			for _, item := range found {
				results = append(results, webSearchResult{
					URL:     item.URL,
					Title:   item.Title,
					Snippet: item.Snippet,
				})
			}
			return json.Marshal(map[string]any{"results": results})
		},
	}
}
