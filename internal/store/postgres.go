package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/match"
	"github.com/spk364/procomp/pkg/json"
)

// legacyStates translates the old waiting/active/completed vocabulary that
// may still sit in rows written by the previous system.
var legacyStates = map[string]match.State{
	"waiting":   match.StateScheduled,
	"active":    match.StateInProgress,
	"completed": match.StateFinished,
}

// Postgres implements Store on database/sql with lib/pq. All calls run
// through a circuit breaker; an open breaker surfaces as ErrUnavailable so
// the router can answer StoreUnavailable instead of piling up timeouts.
type Postgres struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewPostgres(dsn string, log *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "match-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("match store breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Postgres{
		db:      db,
		breaker: breaker,
		log:     log.With(zap.String("module", "store")),
	}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// exec funnels every store call through the breaker and normalizes
// breaker-open and connectivity failures to ErrUnavailable.
func (p *Postgres) exec(fn func() (interface{}, error)) (interface{}, error) {
	out, err := p.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return out, nil
}

func (p *Postgres) LoadMatch(ctx context.Context, id string) (*match.Match, error) {
	out, err := p.exec(func() (interface{}, error) {
		return p.loadMatch(ctx, p.db, id)
	})
	if err != nil {
		return nil, err
	}
	m, ok := out.(*match.Match)
	if !ok {
		return nil, ErrUnavailable
	}
	return m, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *Postgres) loadMatch(ctx context.Context, q querier, id string) (*match.Match, error) {
	const query = `
		SELECT id, tournament_id, participant1, participant2, score1, score2,
		       duration_seconds, time_remaining_seconds, state,
		       COALESCE(winner_participant_id, ''), version,
		       created_at, updated_at, started_at, finished_at
		FROM matches WHERE id = $1`

	var (
		m                     match.Match
		p1, p2, s1, s2        []byte
		state                 string
		startedAt, finishedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.TournamentID, &p1, &p2, &s1, &s2,
		&m.DurationSeconds, &m.TimeRemainingSeconds, &state,
		&m.WinnerParticipantID, &m.Version,
		&m.CreatedAt, &m.UpdatedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load match %s: %w", id, err)
	}

	if canonical, ok := legacyStates[state]; ok {
		m.State = canonical
	} else {
		m.State = match.State(state)
	}
	if !m.State.Valid() {
		return nil, fmt.Errorf("match %s has unknown state %q", id, state)
	}
	if err := json.Unmarshal(p1, &m.Participant1); err != nil {
		return nil, fmt.Errorf("failed to decode participant1: %w", err)
	}
	if err := json.Unmarshal(p2, &m.Participant2); err != nil {
		return nil, fmt.Errorf("failed to decode participant2: %w", err)
	}
	if err := json.Unmarshal(s1, &m.Score1); err != nil {
		return nil, fmt.Errorf("failed to decode score1: %w", err)
	}
	if err := json.Unmarshal(s2, &m.Score2); err != nil {
		return nil, fmt.Errorf("failed to decode score2: %w", err)
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		m.FinishedAt = &finishedAt.Time
	}
	return &m, nil
}

func (p *Postgres) AppendEvents(ctx context.Context, matchID string, expectedVersion uint64, updated *match.Match, events []match.Event) (uint64, error) {
	out, err := p.exec(func() (interface{}, error) {
		return p.appendEvents(ctx, matchID, expectedVersion, updated, events)
	})
	if err != nil {
		return 0, err
	}
	v, ok := out.(uint64)
	if !ok {
		return 0, ErrUnavailable
	}
	return v, nil
}

func (p *Postgres) appendEvents(ctx context.Context, matchID string, expectedVersion uint64, updated *match.Match, events []match.Event) (uint64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			p.log.Error("failed to rollback transaction", zap.Error(err))
		}
	}()

	s1, err := json.Marshal(updated.Score1)
	if err != nil {
		return 0, err
	}
	s2, err := json.Marshal(updated.Score2)
	if err != nil {
		return 0, err
	}

	// Compare-and-set on version serializes concurrent writers per match.
	res, err := tx.ExecContext(ctx, `
		UPDATE matches
		SET score1 = $1, score2 = $2, state = $3,
		    time_remaining_seconds = $4, winner_participant_id = NULLIF($5, ''),
		    version = $6, updated_at = $7, started_at = $8, finished_at = $9
		WHERE id = $10 AND version = $11`,
		s1, s2, string(updated.State),
		updated.TimeRemainingSeconds, updated.WinnerParticipantID,
		updated.Version, updated.UpdatedAt, updated.StartedAt, updated.FinishedAt,
		matchID, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update match %s: %w", matchID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		// Either the row is gone or someone else won the race.
		if _, err := p.loadMatch(ctx, tx, matchID); err != nil {
			return 0, err
		}
		return 0, ErrVersionConflict
	}

	for _, ev := range events {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_events
				(id, match_id, sequence, ts, actor_id, participant_id, event_type, value, metadata)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9)`,
			ev.ID, ev.MatchID, ev.Sequence, ev.Timestamp, ev.ActorID,
			ev.ParticipantID, string(ev.Type), ev.Value, meta,
		); err != nil {
			return 0, fmt.Errorf("failed to append event seq %d: %w", ev.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated.Version, nil
}

func (p *Postgres) RecentEvents(ctx context.Context, matchID string, sinceSequence uint64, limit int) ([]match.Event, error) {
	out, err := p.exec(func() (interface{}, error) {
		return p.recentEvents(ctx, matchID, sinceSequence, limit)
	})
	if err != nil {
		return nil, err
	}
	events, ok := out.([]match.Event)
	if !ok {
		return nil, ErrUnavailable
	}
	return events, nil
}

func (p *Postgres) recentEvents(ctx context.Context, matchID string, sinceSequence uint64, limit int) ([]match.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, match_id, sequence, ts, actor_id,
		       COALESCE(participant_id, ''), event_type, COALESCE(value, ''), metadata
		FROM match_events
		WHERE match_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT NULLIF($3, 0)`,
		matchID, sinceSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", matchID, err)
	}
	defer rows.Close()

	var events []match.Event
	for rows.Next() {
		var (
			ev   match.Event
			kind string
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.MatchID, &ev.Sequence, &ev.Timestamp,
			&ev.ActorID, &ev.ParticipantID, &kind, &ev.Value, &meta); err != nil {
			return nil, err
		}
		ev.Type = match.EventType(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	_, err := p.exec(func() (interface{}, error) {
		return nil, p.db.PingContext(ctx)
	})
	return err
}
