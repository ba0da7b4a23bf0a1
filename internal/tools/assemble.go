package tools

import (
	"context"
	"database/sql"
	"log"
)

// Request-level ability ids. These select which tool families a turn may use;
// they are distinct from the model abilities declared in the registry.
const (
	AbilityWebSearch     = "web-search"
	AbilityMemory        = "memory"
	AbilityExternalTools = "external-tools"
	AbilityReadDocument  = "read-document"
)

type AssembleInput struct {
	UserID     string
	Abilities  []string
	DocumentID string
	// MCPOverrides flips individual servers on or off for this turn only;
	// servers without an entry keep their stored enabled state.
	MCPOverrides map[string]bool
}

type Assembler struct {
	db       *sql.DB
	searcher Searcher
}

// NewAssembler wires the tool sources. searcher may be nil when no search
// provider is configured; the web-search ability then contributes no tool.
func NewAssembler(database *sql.DB, searcher Searcher) Assembler {
	return Assembler{db: database, searcher: searcher}
}

// Assemble builds the tool set for one turn. Each enabled ability contributes
// its tools independently; a failing source is skipped rather than failing
// the turn. The returned cleanup releases any external tool sessions and must
// be called once the turn finishes.
func (a Assembler) Assemble(ctx context.Context, in AssembleInput) (*Set, func()) {
	set := NewSet()
	cleanup := func() {}

	for _, ability := range in.Abilities {
		switch ability {
		case AbilityWebSearch:
			if a.searcher != nil {
				set.Add(WebSearchTool(a.searcher))
			}
		case AbilityMemory:
			set.Add(SaveMemoryTool(a.db, in.UserID))
			set.Add(RecallMemoriesTool(a.db, in.UserID))
		case AbilityReadDocument:
			if in.DocumentID != "" {
				set.Add(ReadDocumentTool(a.db, in.UserID, in.DocumentID))
			}
		case AbilityExternalTools:
			servers, err := ListMCPServers(ctx, a.db, in.UserID)
			if err != nil {
				log.Printf("msg=\"loading mcp servers failed\" user_id=%s error=%q", in.UserID, err)
				continue
			}
			source, remoteTools := ConnectMCP(ctx, selectMCPServers(servers, in.MCPOverrides))
			for _, tool := range remoteTools {
				set.Add(tool)
			}
			cleanup = source.Close
		}
	}

	return set, cleanup
}

func selectMCPServers(servers []MCPServer, overrides map[string]bool) []MCPServer {
	selected := make([]MCPServer, 0, len(servers))
	for _, server := range servers {
		enabled := server.Enabled
		if override, ok := overrides[server.Name]; ok {
			enabled = override
		}
		if enabled {
			selected = append(selected, server)
		}
	}
	return selected
}
