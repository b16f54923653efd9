package intake

import (
	"sync"

	"github.com/driftlab/replygate/internal/domain"
)

// Router classifies notifications by subscription id into the primary
// ("new mail") stream or the sent-mirror stream. The subscription manager
// registers ids as it creates subscriptions; static ids from config are
// seeded at startup.
type Router struct {
	mu      sync.RWMutex
	streams map[string]domain.Stream
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{streams: make(map[string]domain.Stream)}
}

// Register maps a subscription id to a stream.
func (r *Router) Register(subscriptionID string, stream domain.Stream) {
	if subscriptionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[subscriptionID] = stream
}

// Deregister removes a subscription id.
func (r *Router) Deregister(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, subscriptionID)
}

// Classify returns the stream for a subscription id, or StreamUnknown.
func (r *Router) Classify(subscriptionID string) domain.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.streams[subscriptionID]; ok {
		return s
	}
	return domain.StreamUnknown
}
