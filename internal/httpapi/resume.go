package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ResumeStream re-attaches a client to an in-flight response: everything
// emitted so far is replayed, then the stream is followed live until it
// finishes or the client goes away.
func (h Handler) ResumeStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")

	replay, live, cancel, ok := h.streams.Subscribe(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "stream_not_found", "stream is not active")
		return
	}
	defer cancel()

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	setSSEHeaders(w)
	for _, frame := range replay {
		if err := writeSSEEvent(w, flusher, frame); err != nil {
			return
		}
	}

	for {
		select {
		case frame, open := <-live:
			if !open {
				return
			}
			if err := writeSSEEvent(w, flusher, frame); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
