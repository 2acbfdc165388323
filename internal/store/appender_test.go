package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/match"
)

func seedMatch(s *Memory) *match.Match {
	m := &match.Match{
		ID:                   "m1",
		TournamentID:         "t1",
		Participant1:         match.Participant{ID: "p1", DisplayName: "Ana Silva"},
		Participant2:         match.Participant{ID: "p2", DisplayName: "Kim Lee"},
		DurationSeconds:      300,
		TimeRemainingSeconds: 300,
		State:                match.StateInProgress,
	}
	s.Put(m)
	return m
}

func scoreApply(score match.ScoreKind, participantID string) ApplyFunc {
	return func(m *match.Match) (*match.Match, []match.Event, error) {
		return match.Apply(m, match.Command{
			Kind:          match.CmdScore,
			MatchID:       m.ID,
			Score:         score,
			ParticipantID: participantID,
		}, "r1", time.Now())
	}
}

func TestAppenderHappyPath(t *testing.T) {
	s := NewMemory()
	seedMatch(s)
	a := NewAppender(s, 3, zap.NewNop())

	updated, events, err := a.Append(context.Background(), "m1", scoreApply(match.ScorePoints2, "p1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), updated.Score1.Points)
	require.Len(t, events, 1)
	assert.Equal(t, match.EventPoints2, events[0].Type)
	assert.Equal(t, uint64(1), updated.Version)

	persisted, err := s.LoadMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), persisted.Version)
	assert.Equal(t, uint32(2), persisted.Score1.Points)
}

func TestAppenderNotFound(t *testing.T) {
	a := NewAppender(NewMemory(), 3, zap.NewNop())
	_, _, err := a.Append(context.Background(), "missing", scoreApply(match.ScorePoints2, "p1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppenderEngineRejectionIsNotRetried(t *testing.T) {
	s := NewMemory()
	seedMatch(s)
	a := NewAppender(s, 3, zap.NewNop())

	calls := 0
	_, _, err := a.Append(context.Background(), "m1", func(m *match.Match) (*match.Match, []match.Event, error) {
		calls++
		return match.Apply(m, match.Command{
			Kind:          match.CmdScore,
			MatchID:       m.ID,
			Score:         match.ScorePoints2,
			ParticipantID: "nobody",
		}, "r1", time.Now())
	})
	assert.ErrorIs(t, err, match.ErrUnknownParticipant)
	assert.Equal(t, 1, calls)
}

// conflictingStore wedges a concurrent write between LoadMatch and
// AppendEvents for the first n attempts.
type conflictingStore struct {
	*Memory
	mu        sync.Mutex
	conflicts int
	loads     int
}

func (s *conflictingStore) LoadMatch(ctx context.Context, id string) (*match.Match, error) {
	m, err := s.Memory.LoadMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.loads++
	inject := s.conflicts > 0
	if inject {
		s.conflicts--
	}
	s.mu.Unlock()

	if inject {
		next, events, err := match.Apply(m, match.Command{
			Kind:          match.CmdScore,
			MatchID:       m.ID,
			Score:         match.ScorePoints2,
			ParticipantID: "p2",
		}, "rival", time.Now())
		if err != nil {
			return nil, err
		}
		if _, err := s.Memory.AppendEvents(ctx, id, m.Version, next, events); err != nil {
			return nil, err
		}
		// Hand back the now-stale aggregate.
	}
	return m, nil
}

func TestAppenderRetriesOnVersionConflict(t *testing.T) {
	inner := NewMemory()
	seedMatch(inner)
	s := &conflictingStore{Memory: inner, conflicts: 2}
	a := NewAppender(s, 3, zap.NewNop())

	updated, _, err := a.Append(context.Background(), "m1", scoreApply(match.ScorePoints2, "p1"))
	require.NoError(t, err)

	// Two rival writes landed before ours: three events total, dense
	// sequences, version equals latest sequence.
	assert.Equal(t, uint64(3), updated.Version)
	assert.Equal(t, uint32(2), updated.Score1.Points)
	assert.Equal(t, uint32(4), updated.Score2.Points)
	assert.Equal(t, 3, s.loads)

	events, err := inner.RecentEvents(context.Background(), "m1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestAppenderGivesUpAfterRetries(t *testing.T) {
	inner := NewMemory()
	seedMatch(inner)
	s := &conflictingStore{Memory: inner, conflicts: 10}
	a := NewAppender(s, 2, zap.NewNop())

	_, _, err := a.Append(context.Background(), "m1", scoreApply(match.ScorePoints2, "p1"))
	assert.ErrorIs(t, err, ErrConflict)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, s.loads)
}

// Two referees issue POINTS_2 for the same participant concurrently: both
// commands land, neither overwrites the other, final score is 4.
func TestAppenderConcurrentScores(t *testing.T) {
	s := NewMemory()
	seedMatch(s)
	a := NewAppender(s, 5, zap.NewNop())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = a.Append(context.Background(), "m1", scoreApply(match.ScorePoints2, "p1"))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	m, err := s.LoadMatch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), m.Score1.Points)
	assert.Equal(t, uint64(2), m.Version)

	events, err := s.RecentEvents(context.Background(), "m1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
}

func TestAppenderStoreErrorIsPermanent(t *testing.T) {
	inner := NewMemory()
	seedMatch(inner)
	s := &failingStore{Memory: inner, err: ErrUnavailable}
	a := NewAppender(s, 3, zap.NewNop())

	_, _, err := a.Append(context.Background(), "m1", scoreApply(match.ScorePoints2, "p1"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, s.appendCalls)
}

type failingStore struct {
	*Memory
	err         error
	appendCalls int
}

func (s *failingStore) AppendEvents(ctx context.Context, matchID string, expectedVersion uint64, updated *match.Match, events []match.Event) (uint64, error) {
	s.appendCalls++
	return 0, s.err
}

func TestMemoryRecentEventsWindow(t *testing.T) {
	s := NewMemory()
	m := seedMatch(s)

	var accumulated []match.Event
	cur := m
	for i := 0; i < 5; i++ {
		next, events, err := match.Apply(cur, match.Command{
			Kind:          match.CmdScore,
			MatchID:       "m1",
			Score:         match.ScoreAdvantage,
			ParticipantID: "p1",
		}, "r1", time.Now())
		require.NoError(t, err)
		_, err = s.AppendEvents(context.Background(), "m1", cur.Version, next, events)
		require.NoError(t, err)
		accumulated = append(accumulated, events...)
		cur = next
	}
	require.Len(t, accumulated, 5)

	events, err := s.RecentEvents(context.Background(), "m1", 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Sequence)

	events, err = s.RecentEvents(context.Background(), "m1", 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
}

func TestMemoryVersionConflict(t *testing.T) {
	s := NewMemory()
	m := seedMatch(s)

	next := m.Clone()
	next.Version = 1
	_, err := s.AppendEvents(context.Background(), "m1", 4, next, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.AppendEvents(context.Background(), "missing", 0, next, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}
