package application

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bnema/sessionkeeper/internal/domain"
)

// EventBus fans domain events out to subscribers. Publish is synchronous; a
// subscriber that panics is logged and does not affect the others.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]func(domain.Event)
	nextID      uint64
	logger      *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]func(domain.Event)),
		logger:      loggerOrDiscard(logger),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *EventBus) Subscribe(fn func(domain.Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

func (b *EventBus) Publish(event domain.Event) {
	if b == nil || event == nil {
		return
	}

	b.mu.RLock()
	targets := make([]func(domain.Event), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		targets = append(targets, fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, event)
	}
}

func (b *EventBus) deliver(fn func(domain.Event), event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event", string(event.Kind()),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(event)
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
