package store

import (
	"context"
	"sort"
	"sync"

	"github.com/spk364/procomp/internal/match"
)

// Memory is an in-process Store used by tests and local development. It
// honors the same compare-and-set semantics as the Postgres implementation.
type Memory struct {
	mu      sync.Mutex
	matches map[string]*match.Match
	events  map[string][]match.Event
}

func NewMemory() *Memory {
	return &Memory{
		matches: make(map[string]*match.Match),
		events:  make(map[string][]match.Event),
	}
}

// Put seeds a match aggregate.
func (s *Memory) Put(m *match.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[m.ID] = m.Clone()
}

func (s *Memory) LoadMatch(ctx context.Context, id string) (*match.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) AppendEvents(ctx context.Context, matchID string, expectedVersion uint64, updated *match.Match, events []match.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.matches[matchID]
	if !ok {
		return 0, ErrNotFound
	}
	if current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	s.matches[matchID] = updated.Clone()
	s.events[matchID] = append(s.events[matchID], events...)
	return updated.Version, nil
}

func (s *Memory) RecentEvents(ctx context.Context, matchID string, sinceSequence uint64, limit int) ([]match.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[matchID]
	out := make([]match.Event, 0, len(all))
	for _, ev := range all {
		if ev.Sequence > sinceSequence {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}
