// Package eventbus fans record-changed events out to observers.
//
// Observers are registered at startup and run synchronously, in
// subscription order, on the publishing goroutine. A failing or panicking
// observer is logged and counted; the remaining observers still run.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/metrics"
	"windtunnel-telemetry/internal/telemetry"
)

// ErrSealed is returned by Subscribe once publishing has started.
var ErrSealed = errors.New("eventbus: subscriptions closed after first publish")

// Kind says why a record was published.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
)

// Event carries one record change. Previous is the status before an
// update and is empty for created records.
type Event struct {
	Kind     Kind             `json:"kind"`
	At       time.Time        `json:"at"`
	Previous telemetry.Status `json:"previous_status,omitempty"`
	Record   telemetry.Record `json:"record"`
}

// Observer reacts to published events.
type Observer interface {
	Name() string
	Observe(ctx context.Context, ev Event) error
}

type funcObserver struct {
	name string
	fn   func(ctx context.Context, ev Event) error
}

func (f funcObserver) Name() string { return f.name }

func (f funcObserver) Observe(ctx context.Context, ev Event) error { return f.fn(ctx, ev) }

// ObserverFunc wraps a function as a named observer.
func ObserverFunc(name string, fn func(ctx context.Context, ev Event) error) Observer {
	return funcObserver{name: name, fn: fn}
}

// Bus is the subject side of the observer pattern.
type Bus struct {
	mu        sync.RWMutex
	sealed    bool
	observers []Observer
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a bus with the given observers already subscribed.
func New(m *metrics.Metrics, logger zerolog.Logger, observers ...Observer) *Bus {
	b := &Bus{
		metrics: m,
		logger:  logger.With().Str("component", "eventbus").Logger(),
	}
	b.observers = append(b.observers, observers...)
	return b
}

// Subscribe appends an observer. It fails after the first Publish.
func (b *Bus) Subscribe(o Observer) error {
	if o == nil {
		return errors.New("eventbus: nil observer")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.observers = append(b.observers, o)
	return nil
}

// Observers returns the subscribed observer names in order.
func (b *Bus) Observers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.observers))
	for i, o := range b.observers {
		names[i] = o.Name()
	}
	return names
}

// Publish invokes every observer with ev and returns how many failed.
// Each observer receives its own copy of the record.
func (b *Bus) Publish(ctx context.Context, ev Event) int {
	b.mu.Lock()
	b.sealed = true
	observers := b.observers
	b.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	failed := 0
	for _, o := range observers {
		copyEv := ev
		copyEv.Record = ev.Record.Clone()
		if err := invoke(ctx, o, copyEv); err != nil {
			failed++
			b.metrics.ObserverFailed(o.Name())
			b.logger.Error().Err(err).
				Str("observer", o.Name()).
				Str("kind", string(ev.Kind)).
				Str("source", ev.Record.Source).
				Int64("record_id", ev.Record.ID).
				Msg("observer failed")
		}
	}
	return failed
}

func invoke(ctx context.Context, o Observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Observe(ctx, ev)
}
