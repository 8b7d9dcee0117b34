package mirror

import (
	"sync"
	"time"
)

const progressSubscriberBuffer = 64

type ProgressEvent struct {
	Type      string    `json:"type"`
	Phase     string    `json:"phase"`
	ID        string    `json:"id,omitempty"`
	Seq       string    `json:"seq,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressHub fans progress events out to subscribers. A subscriber that
// falls behind loses events rather than stalling the pipeline.
type ProgressHub struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan ProgressEvent
	dropped int64
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: map[int]chan ProgressEvent{}}
}

func (h *ProgressHub) Subscribe() (<-chan ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan ProgressEvent, progressSubscriberBuffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *ProgressHub) Publish(event ProgressEvent) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub <- event:
		default:
			h.dropped++
		}
	}
}

// Close ends every subscription.
func (h *ProgressHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}

func (h *ProgressHub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
