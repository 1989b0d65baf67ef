package parsing

import (
	"fmt"

	"windtunnel-telemetry/internal/telemetry"
)

// Registry holds strategies in registration order. It is built once at
// startup and only read afterwards, so it needs no locking.
type Registry struct {
	strategies []Strategy
}

// NewRegistry copies the given strategies into an immutable registry.
func NewRegistry(strategies ...Strategy) *Registry {
	list := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			list = append(list, s)
		}
	}
	return &Registry{strategies: list}
}

// Select returns the first strategy applicable to the peer.
func (r *Registry) Select(peer Peer) (Strategy, bool) {
	for _, s := range r.strategies {
		if s.Applicable(peer) {
			return s, true
		}
	}
	return nil, false
}

// Parse selects a strategy for the peer and decodes the frame with it.
func (r *Registry) Parse(peer Peer, frame string) (telemetry.Record, error) {
	s, ok := r.Select(peer)
	if !ok {
		return telemetry.Record{}, fmt.Errorf("%w: %s", ErrNoStrategy, peer)
	}
	rec, err := s.Parse(frame)
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("strategy %s: %w", s.Name(), err)
	}
	return rec, nil
}

// Names lists registered strategy names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.Name()
	}
	return out
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int { return len(r.strategies) }
