package gateway

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/modelbridge/modelbridge/internal/gateway/wire"
)

// StreamHandle is a live upstream response stream tagged with its wire
// format. Chunk normalization happens in a layer above; the gateway's job
// ends at handing back the tagged byte stream.
type StreamHandle struct {
	RequestID string
	Format    wire.Format
	Body      io.ReadCloser

	cancel context.CancelFunc
}

// Close releases the upstream request.
func (h *StreamHandle) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.Body != nil {
		_ = h.Body.Close()
	}
}

// streamRegistry tracks in-flight streams by request id so an abort from
// another execution context can release the upstream request. A late abort
// for an already-finished stream is a no-op.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[string]*StreamHandle
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[string]*StreamHandle)}
}

func (r *streamRegistry) add(h *StreamHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[h.RequestID] = h
}

func (r *streamRegistry) remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, requestID)
}

// abort closes and deregisters a stream. Returns false when the id is
// unknown (already finished or never registered).
func (r *streamRegistry) abort(requestID string) bool {
	r.mu.Lock()
	h, ok := r.streams[requestID]
	if ok {
		delete(r.streams, requestID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.Close()
	log.Printf("🧹 Aborted stream %s", requestID)
	return true
}
