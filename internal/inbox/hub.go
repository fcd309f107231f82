package inbox

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Hub fans inbox entries out to the live streams of their owner.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Entry
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int64]map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream for the user until ctx ends or the returned cleanup runs.
func (h *Hub) Subscribe(ctx context.Context, userID int64) (<-chan Entry, func()) {
	if userID <= 0 {
		ch := make(chan Entry)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Entry, h.bufferSize),
	}
	h.register(userID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregister(userID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish hands the entry to every live stream of its owner. Slow streams drop entries;
// the stored inbox remains the source of truth.
func (h *Hub) Publish(entry Entry) {
	if entry.UserID <= 0 {
		return
	}
	h.mu.RLock()
	subs := h.subscribers[entry.UserID]
	if len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- entry:
		default:
		}
	}
}

// Subscribers reports the number of live streams of the user.
func (h *Hub) Subscribers(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(userID int64, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[int64]*subscriber)
	}
	h.subscribers[userID][sub.id] = sub
}

func (h *Hub) unregister(userID int64, subscriberID int64) {
	h.mu.Lock()
	subs := h.subscribers[userID]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(h.subscribers, userID)
		}
	}
	h.mu.Unlock()
}
