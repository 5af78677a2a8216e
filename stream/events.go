package stream

import (
	"sort"
	"sync"
	"time"
)

// Notification is an operational notice pushed by the server.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatMessage struct {
	MessageID   string    `json:"messageId"`
	GroupID     int64     `json:"groupId,omitempty"`
	SenderID    int64     `json:"senderId"`
	RecipientID int64     `json:"recipientId,omitempty"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sentAt"`
}

// MessageStatus reports delivery or read progress of a sent message.
type MessageStatus struct {
	MessageID string `json:"messageId"`
	UserID    int64  `json:"userId"`
	Status    string `json:"status"`
}

// ConnectionStatus reflects the server's view of a user's session.
type ConnectionStatus struct {
	UserID        int64  `json:"userId"`
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// UserStatus announces another user's presence change. StatusMessage is a
// pointer so reconciliation can tell "cleared" apart from "not carried".
type UserStatus struct {
	UserID        int64   `json:"userId"`
	Status        string  `json:"status"`
	StatusMessage *string `json:"statusMessage,omitempty"`
}

type UserAvailability struct {
	UserID           int64 `json:"userId"`
	AvailableForChat bool  `json:"isAvailableForChat"`
}

// AvailabilityConfirmed acknowledges the caller's own availability update.
type AvailabilityConfirmed struct {
	AvailableForChat bool `json:"isAvailableForChat"`
}

// StatusConfirmed acknowledges the caller's own status update.
type StatusConfirmed struct {
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// StreamError is a protocol-level error pushed by the server.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// registry is a typed subscriber set. Handlers are invoked in subscription
// order; publish serializes deliveries so subscribers observe one ordered
// sequence. Zero subscribers is a valid state.
type registry[T any] struct {
	mu    sync.Mutex
	pubMu sync.Mutex
	next  int
	subs  map[int]func(T)
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{subs: make(map[int]func(T))}
}

func (r *registry[T]) subscribe(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *registry[T]) publish(v T) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, r.subs[id])
	}
	r.mu.Unlock()

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	for _, fn := range handlers {
		fn(v)
	}
}
