// Package broadcast fans out message-change notices to live consumers.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/model"
)

// Broadcaster notifies interested consumers of new, changed, or deleted
// messages. Delivery is best effort; ingestion never blocks on a slow
// consumer.
type Broadcaster interface {
	Broadcast(change model.MessageChange)
}

// Hub is an in-process Broadcaster with channel subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan model.MessageChange
	nextID int
	logger *logrus.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{subs: make(map[int]chan model.MessageChange), logger: logger}
}

// Subscribe registers a consumer. The returned cancel function must be
// called when the consumer goes away.
func (h *Hub) Subscribe(buffer int) (<-chan model.MessageChange, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.MessageChange, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers a change to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (h *Hub) Broadcast(change model.MessageChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- change:
		default:
			h.logger.WithField("kind", change.Kind).Debug("Dropped broadcast for slow consumer")
		}
	}
}

// Discard is a Broadcaster that drops everything, for callers that have
// no live consumers.
type Discard struct{}

func (Discard) Broadcast(model.MessageChange) {}
