package httpapi

import (
	"context"
	"log"
	"strings"
	"unicode/utf8"
)

const maxThreadTitleRunes = 80

// nameNewThread titles a freshly created thread from the first user message.
// Best effort; a failed title write never affects the turn's outcome.
func (h Handler) nameNewThread(ctx context.Context, ts *turnState) {
	title := threadTitleFrom(ts.request.Message)
	if title == "" {
		title = "New conversation"
	}
	if err := h.threads.SetTitle(ctx, ts.user.ID, ts.threadID, title); err != nil {
		log.Printf("msg=\"set thread title failed\" thread_id=%s error=%q", ts.threadID, err)
	}
}

func threadTitleFrom(message string) string {
	collapsed := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(collapsed) <= maxThreadTitleRunes {
		return collapsed
	}
	return string([]rune(collapsed)[:maxThreadTitleRunes-1]) + "…"
}
