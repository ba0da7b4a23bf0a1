package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ReadDocumentTool exposes the document the user is currently editing. The
// document id is fixed at assembly time; the model cannot read arbitrary
// documents.
func ReadDocumentTool(database *sql.DB, userID, documentID string) Tool {
	return Tool{
		Name:        "read_document",
		Description: "Read the full content of the document the user is currently working on.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		Execute: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			var title, contentHTML string
			err := database.QueryRowContext(ctx, `
SELECT title, content_html
FROM documents
WHERE id = ? AND user_id = ?;
`, documentID, userID).Scan(&title, &contentHTML)
			if errors.Is(err, sql.ErrNoRows) {
				return json.Marshal(map[string]any{"success": false, "reason": "document not found"})
			}
			if err != nil {
				return nil, fmt.Errorf("read document: %w", err)
			}

			if strings.TrimSpace(contentHTML) == "" {
				return json.Marshal(map[string]any{"success": false, "reason": "document is empty"})
			}
			return json.Marshal(map[string]any{
				"success": true,
				"title":   title,
				"content": contentHTML,
			})
		},
	}
}
