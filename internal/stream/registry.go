package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks the live streams of this process so a client can stop one.
type Registry struct {
	mu      sync.Mutex
	streams map[string]liveStream
}

type liveStream struct {
	userID int64
	cancel context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]liveStream)}
}

// Register derives a cancellable context for a new stream owned by userID.
// The returned release func must be called when the stream ends.
func (r *Registry) Register(ctx context.Context, userID int64) (string, context.Context, func()) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.streams[id] = liveStream{userID: userID, cancel: cancel}
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.streams, id)
		r.mu.Unlock()
		cancel()
	}
	return id, ctx, release
}

// Cancel stops the stream if it lives here and belongs to userID.
func (r *Registry) Cancel(id string, userID int64) bool {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok && s.userID == userID {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok || s.userID != userID {
		return false
	}
	s.cancel()
	return true
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
