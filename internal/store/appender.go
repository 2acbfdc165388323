package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/match"
)

// ErrConflict is returned when the version compare-and-set kept losing after
// the configured number of retries. The client should refetch and retry.
var ErrConflict = errors.New("command conflicted with concurrent updates")

// ApplyFunc runs the pure match engine against a freshly loaded aggregate.
// It must not have side effects; the appender may call it several times.
type ApplyFunc func(m *match.Match) (*match.Match, []match.Event, error)

// Appender wraps Store.AppendEvents with the load/apply/append retry loop.
// On a version conflict it reloads the aggregate, re-runs the engine against
// the fresh state and tries again, keeping event sequences dense and the
// aggregate version equal to the latest sequence.
type Appender struct {
	store   Store
	retries uint64
	log     *zap.Logger
}

func NewAppender(s Store, retries int, log *zap.Logger) *Appender {
	if retries < 0 {
		retries = 0
	}
	return &Appender{
		store:   s,
		retries: uint64(retries),
		log:     log.With(zap.String("module", "appender")),
	}
}

// Append executes one command against the match identified by matchID.
// Returns the updated aggregate and the events it emitted.
func (a *Appender) Append(ctx context.Context, matchID string, apply ApplyFunc) (*match.Match, []match.Event, error) {
	var (
		updated *match.Match
		events  []match.Event
	)

	bo := backoff.WithContext(backoff.WithMaxRetries(newConflictBackOff(), a.retries), ctx)
	attempt := 0
	op := func() error {
		attempt++
		current, err := a.store.LoadMatch(ctx, matchID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, emitted, err := apply(current)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := a.store.AppendEvents(ctx, matchID, current.Version, next, emitted); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				a.log.Debug("version conflict, retrying",
					zap.String("match_id", matchID),
					zap.Int("attempt", attempt))
				return err
			}
			return backoff.Permanent(err)
		}
		updated, events = next, emitted
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, nil, fmt.Errorf("%w: %s", ErrConflict, matchID)
		}
		return nil, nil, err
	}
	return updated, events, nil
}

func newConflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}
