package gateway

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// EventHandler receives the data of a published event. Handlers are
// called synchronously by the publisher and must not block.
type EventHandler func(data json.RawMessage)

// Publisher pushes events to boundary subscribers.
type Publisher interface {
	Publish(event string, data any)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]EventHandler

	log *zap.Logger
}

var _ Publisher = (*Bus)(nil)

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]EventHandler),
		log:  log.Named("bus"),
	}
}

// Publish delivers data to every subscriber of event. Events that are
// not whitelisted are dropped.
func (b *Bus) Publish(event string, data any) {
	if !IsSubscribable(event) {
		b.log.Debug("dropping event that is not whitelisted", zap.String("event", event))
		return
	}

	raw, err := toRaw(data)
	if err != nil {
		b.log.Error("failed to marshal event data", zap.String("event", event), zap.Error(err))
		return
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs[event]))
	for _, h := range b.subs[event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(raw)
	}
}

// Subscribers returns the number of subscribers of event.
func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[event])
}

func (b *Bus) subscribe(event string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]EventHandler)
	}
	b.subs[event][id] = handler

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs[event], id)
		})
	}
}

func toRaw(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
