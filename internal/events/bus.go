package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Live channel event names.
const (
	Connected        = "connected"
	Stage1Start      = "stage-1-start"
	Stage1Success    = "stage-1-success"
	Stage1Failed     = "stage-1-failed"
	Stage2Start      = "stage-2-start"
	ServiceUpdate    = "service-update"
	AllComplete      = "all-complete"
	DeploymentFailed = "deployment-failed"
	DashboardUpdate  = "dashboard-update"
	IngressInfo      = "ingress-info"
)

// Event is a named payload published under a subject key.
type Event struct {
	Key  string
	Name string
	Data any
}

// Handler receives events for one key. Returned errors are logged, never propagated.
type Handler func(Event) error

type subscription struct {
	handler Handler
}

// Bus delivers events to at most one handler per key.
type Bus struct {
	handlers sync.Map
	logger   *slog.Logger
}

// NewBus constructs an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe installs h for key, replacing any previous handler. The returned
// func removes h only while it is still the installed handler.
func (b *Bus) Subscribe(key string, h Handler) func() {
	sub := &subscription{handler: h}
	if prev, loaded := b.handlers.Swap(key, sub); loaded && prev != nil {
		b.logger.Debug("live channel subscriber replaced", "key", key)
	}
	return func() {
		b.handlers.CompareAndDelete(key, sub)
	}
}

// Unsubscribe removes whatever handler is installed for key.
func (b *Bus) Unsubscribe(key string) {
	b.handlers.Delete(key)
}

// Subscribed reports whether key currently has a handler.
func (b *Bus) Subscribed(key string) bool {
	_, ok := b.handlers.Load(key)
	return ok
}

// Publish invokes the current handler for key synchronously. Events without a
// subscriber are dropped.
func (b *Bus) Publish(key, name string, data any) {
	value, ok := b.handlers.Load(key)
	if !ok {
		return
	}
	sub := value.(*subscription)
	if err := b.deliver(sub.handler, Event{Key: key, Name: name, Data: data}); err != nil {
		b.logger.Warn("live event delivery failed", "key", key, "event", name, "error", err)
	}
}

func (b *Bus) deliver(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}
