package handlers

import (
	"net/http"

	"github.com/modelbridge/modelbridge/internal/events"
)

// EventsHandler streams change notifications from the bus as SSE until the
// client disconnects.
func EventsHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, cancel := bus.Subscribe()
		defer cancel()

		SetSSEHeaders(w)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if !WriteSSE(w, evt) {
					return
				}
			}
		}
	}
}
