package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/ptytee/internal/config"
	"github.com/ppiankov/ptytee/internal/detach"
)

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Send(ctx context.Context, event Event) error
}

// Dispatcher fans out events to every sink that accepts them.
type Dispatcher struct {
	sinks []Sink
}

// NewDispatcher creates a Dispatcher over sinks.
// Returns nil if sinks is empty (callers may still call methods on nil).
func NewDispatcher(sinks ...Sink) *Dispatcher {
	if len(sinks) == 0 {
		return nil
	}
	return &Dispatcher{sinks: sinks}
}

// FromConfig builds the sinks described by cfg. It returns nil when
// notification is disabled or no sink is configured.
func FromConfig(cfg config.NotifyConfig) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	var sinks []Sink
	for _, w := range cfg.Webhooks {
		sinks = append(sinks, NewWebhookSink(w))
	}
	if cfg.Redis.Addr != "" {
		sinks = append(sinks, NewRedisSink(cfg.Redis))
	}
	return NewDispatcher(sinks...)
}

// Len returns the number of sinks.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.sinks)
}

// Dispatch sends the event to every matching sink on detached goroutines.
// It does not block the caller and outcomes are discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	for _, s := range d.sinks {
		if !s.Accepts(event.Type) {
			continue
		}
		s := s
		detach.Go(func() error { return s.Send(context.WithoutCancel(ctx), event) })
	}
}

// Publish sends the event to every matching sink in turn and returns the
// joined errors.
func (d *Dispatcher) Publish(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, s := range d.sinks {
		if !s.Accepts(event.Type) {
			continue
		}
		if err := s.Send(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases sink resources.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func matches(events []string, eventType string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}
