// Package events carries named notifications between crawlers running in the same process.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chain-crawler/internal/logging"
)

// Publisher emits a named event
type Publisher interface {
	Publish(ctx context.Context, name string, payload interface{}) error
}

// Handler receives the JSON payload of an event
type Handler func(ctx context.Context, payload json.RawMessage) error

// Bus delivers each published event to every handler subscribed to its name.
// Handlers run synchronously in subscription order; an event without handlers is only logged.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *logging.Logger
}

// NewBus creates an empty bus
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.WithComponent("events"),
	}
}

// Subscribe registers h for events called name
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers payload to the subscribers of name. Every handler runs even
// when an earlier one fails; the failures are returned joined.
func (b *Bus) Publish(ctx context.Context, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[name]...)
	b.mu.RUnlock()

	logger := b.logger.WithField("event", name)
	if len(handlers) == 0 {
		logger.WithField("payload", string(data)).Debug("event has no subscribers")
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, data); err != nil {
			logger.WithError(err).Error("event handler failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
