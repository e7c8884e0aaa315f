package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

var ErrInvalidUser = errors.New("invalid_user_id")

// Hub is an in-process per-user fan-out. Each user keeps a bounded replay
// buffer so a subscriber that connects late still sees recent notifications.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []Notification
	subs   map[uint64]chan Notification
	nextID uint64
}

type Subscription struct {
	hub    *Hub
	userID string
	id     uint64
	ch     chan Notification
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Notify buffers n for its user and offers it to live subscribers without
// blocking; a full subscriber channel drops the notification for that reader.
func (h *Hub) Notify(_ context.Context, n Notification) error {
	if h == nil {
		return nil
	}
	userID := strings.TrimSpace(n.UserID)
	if userID == "" {
		return ErrInvalidUser
	}

	s := h.ensureStream(userID)
	s.mu.Lock()
	s.buffer = append(s.buffer, n)
	if len(s.buffer) > h.bufferSize {
		s.buffer = s.buffer[len(s.buffer)-h.bufferSize:]
	}
	subs := make([]chan Notification, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Subscribe returns a live subscription plus the buffered backlog.
func (h *Hub) Subscribe(userID string) (*Subscription, []Notification, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, ErrInvalidUser
	}

	s := h.ensureStream(userID)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Notification, h.subscriberBuffer)
	s.subs[id] = ch
	backlog := append([]Notification(nil), s.buffer...)
	s.mu.Unlock()

	return &Subscription{hub: h, userID: userID, id: id, ch: ch}, backlog, nil
}

// Pending returns the buffered notifications of a user.
func (h *Hub) Pending(userID string) []Notification {
	h.mu.RLock()
	s := h.streams[strings.TrimSpace(userID)]
	h.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.buffer...)
}

func (h *Hub) ensureStream(userID string) *stream {
	h.mu.RLock()
	current := h.streams[userID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[userID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Notification)}
		h.streams[userID] = current
	}
	return current
}

func (h *Hub) unsubscribe(userID string, id uint64) {
	h.mu.RLock()
	s := h.streams[userID]
	h.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Subscription) Notifications() <-chan Notification {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.userID, s.id)
	})
}
