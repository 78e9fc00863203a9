// Package memory keeps task notifications in process when no broker is
// configured.
package memory

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// DefaultRetain is how many notifications New keeps when retain <= 0.
const DefaultRetain = 256

// Message is one retained notification.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher retains the most recent notifications in a ring and logs each
// one. Older entries are overwritten once the ring is full.
type Publisher struct {
	logger *zap.Logger

	mu    sync.Mutex
	ring  []Message
	next  int
	total uint64
}

// New returns a Publisher retaining up to retain notifications.
func New(retain int, logger *zap.Logger) *Publisher {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger, ring: make([]Message, 0, retain)}
}

// Publish stores payload under topic and returns a sequence-based ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	p.total++
	msg := Message{ID: "local-" + strconv.FormatUint(p.total, 10), Topic: topic, Payload: payload}
	if len(p.ring) < cap(p.ring) {
		p.ring = append(p.ring, msg)
	} else {
		p.ring[p.next] = msg
	}
	p.next = (p.next + 1) % cap(p.ring)
	p.mu.Unlock()

	p.logger.Debug("notification recorded", zap.String("topic", topic), zap.String("id", msg.ID))
	return msg.ID, nil
}

// Messages returns retained notifications, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.ring))
	if len(p.ring) < cap(p.ring) {
		return append(out, p.ring...)
	}
	out = append(out, p.ring[p.next:]...)
	return append(out, p.ring[:p.next]...)
}

// Total reports how many notifications were ever published.
func (p *Publisher) Total() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
