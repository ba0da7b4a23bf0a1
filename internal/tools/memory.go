package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxRecalledMemories = 50

type saveMemoryArgs struct {
	Content string `json:"content"`
}

// SaveMemoryTool persists a short fact about the user for later turns.
func SaveMemoryTool(database *sql.DB, userID string) Tool {
	return Tool{
		Name:        "save_memory",
		Description: "Save a short fact about the user or their preferences so it can be recalled in future conversations.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "The fact to remember, one or two sentences."}
  },
  "required": ["content"]
}`),
		Execute: func(ctx context.Context, rawArgs json.RawMessage) (json.RawMessage, error) {
			var args saveMemoryArgs
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return nil, fmt.Errorf("invalid save_memory arguments: %w", err)
			}
			content := strings.TrimSpace(args.Content)
			if content == "" {
				return nil, fmt.Errorf("save_memory requires content")
			}

			_, err := database.ExecContext(ctx, `
INSERT INTO memories (id, user_id, content)
VALUES (?, ?, ?);
`, uuid.NewString(), userID, content)
			if err != nil {
				return nil, fmt.Errorf("save memory: %w", err)
			}
			return json.Marshal(map[string]any{"success": true})
		},
	}
}

// RecallMemoriesTool returns the user's saved memories, newest first.
func RecallMemoriesTool(database *sql.DB, userID string) Tool {
	return Tool{
		Name:        "recall_memories",
		Description: "List facts previously saved about the user.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		Execute: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			rows, err := database.QueryContext(ctx, `
SELECT content
FROM memories
WHERE user_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, userID, maxRecalledMemories)
			if err != nil {
				return nil, fmt.Errorf("recall memories: %w", err)
			}
			defer rows.Close()

			memories := make([]string, 0, 8)
			for rows.Next() {
				var content string
				if err := rows.Scan(&content); err != nil {
					return nil, fmt.Errorf("scan memory: %w", err)
				}
				memories = append(memories, content)
			}
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("recall memories: %w", err)
			}
			return json.Marshal(map[string]any{"memories": memories})
		},
	}
}
