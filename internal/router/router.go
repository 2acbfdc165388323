// Package router validates inbound frames, authorizes the acting role,
// drives the pure match engine through the event log appender and publishes
// accepted results to the pub/sub bus.
package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/bus"
	"github.com/spk364/procomp/internal/hub"
	"github.com/spk364/procomp/internal/match"
	"github.com/spk364/procomp/internal/metrics"
	"github.com/spk364/procomp/internal/protocol"
	"github.com/spk364/procomp/internal/store"
	"github.com/spk364/procomp/pkg/json"
)

// systemActor is stamped on events appended by the ticker rather than a
// referee.
const systemActor = "system"

// storeDeadline bounds every store round-trip for one command.
const storeDeadline = 2 * time.Second

// snapshotEventLimit caps the resume backlog sent on connect.
const snapshotEventLimit = 500

// Router implements hub.Commander.
type Router struct {
	appender *store.Appender
	store    store.Store
	bus      bus.Bus
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(a *store.Appender, s store.Store, b bus.Bus, m *metrics.Metrics, log *zap.Logger) *Router {
	return &Router{
		appender: a,
		store:    s,
		bus:      b,
		metrics:  m,
		log:      log.With(zap.String("module", "router")),
	}
}

// HandleCommand processes one inbound frame from a connection. Commands from
// a single connection arrive here in receive order; cross-connection writes
// to the same match are linearized by the store's compare-and-set.
func (r *Router) HandleCommand(ctx context.Context, c *hub.Conn, raw []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.reject(c, protocol.KindMalformedCommand, "invalid JSON frame", "")
		return
	}

	if frame.Type == protocol.TypePing {
		pong := protocol.PongFrame()
		pong.CorrelationID = frame.CorrelationID
		c.SendFrame(pong)
		return
	}

	cmd, err := r.parseCommand(c, frame)
	if err != nil {
		r.reject(c, protocol.KindMalformedCommand, err.Error(), frame.CorrelationID)
		return
	}

	// Viewers may only subscribe. The error frame is addressed to the
	// offender only; the connection stays open.
	if c.Role() != hub.RoleReferee || !auth.CanMutate(c.Roles()) {
		r.reject(c, protocol.KindUnauthorized, "role lacks permission for this command", frame.CorrelationID)
		return
	}

	updated, events, err := r.execute(ctx, cmd, c.SubjectID())
	if err != nil {
		kind, msg := classify(err)
		r.reject(c, kind, msg, frame.CorrelationID)
		return
	}

	r.metrics.CommandsAccepted.WithLabelValues(string(cmd.Kind)).Inc()
	r.countAutoFinish(events)
	r.publishUpdate(ctx, updated, events)
}

// parseCommand maps the wire frame grammar onto an engine command. Unknown
// types and malformed payloads are MalformedCommand rejections, never a
// silent pass-through.
func (r *Router) parseCommand(c *hub.Conn, frame protocol.Frame) (match.Command, error) {
	matchID := frame.MatchID
	if matchID == "" {
		matchID = c.MatchID()
	}
	if matchID == "" || matchID != c.MatchID() {
		return match.Command{}, errors.New("frame matchId does not match the subscribed channel")
	}
	cmd := match.Command{MatchID: matchID}

	switch frame.Type {
	case protocol.TypeScoreUpdate:
		var p protocol.ScoreUpdatePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return match.Command{}, errors.New("invalid SCORE_UPDATE payload")
		}
		switch match.ScoreKind(p.Action) {
		case match.ScorePoints2, match.ScoreAdvantage, match.ScorePenalty, match.ScoreSubmission:
			cmd.Kind = match.CmdScore
			cmd.Score = match.ScoreKind(p.Action)
			cmd.ParticipantID = p.ParticipantID
		default:
			return match.Command{}, errors.New("unknown score action")
		}

	case protocol.TypeMatchStateUpdate:
		var p protocol.StateUpdatePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return match.Command{}, errors.New("invalid MATCH_STATE_UPDATE payload")
		}
		switch match.State(p.State) {
		case match.StateInProgress:
			cmd.Kind = match.CmdStart
		case match.StatePaused:
			cmd.Kind = match.CmdPause
		case match.StateFinished:
			cmd.Kind = match.CmdEnd
		case match.StateCancelled:
			cmd.Kind = match.CmdCancel
		case match.StateScheduled:
			cmd.Kind = match.CmdReset
		default:
			return match.Command{}, errors.New("unknown target state")
		}

	case protocol.TypeTimerUpdate:
		var p protocol.TimerUpdatePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return match.Command{}, errors.New("invalid TIMER_UPDATE payload")
		}
		cmd.Kind = match.CmdTimerSet
		cmd.Seconds = p.TimeRemaining

	case protocol.TypeComment:
		var p protocol.CommentPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.Text == "" {
			return match.Command{}, errors.New("invalid COMMENT payload")
		}
		cmd.Kind = match.CmdComment
		cmd.Text = p.Text

	default:
		return match.Command{}, errors.New("unknown frame type")
	}
	return cmd, nil
}

// execute runs the command through the appender's load/apply/append loop
// under the store deadline.
func (r *Router) execute(ctx context.Context, cmd match.Command, actorID string) (*match.Match, []match.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, storeDeadline)
	defer cancel()
	return r.appender.Append(ctx, cmd.MatchID, func(m *match.Match) (*match.Match, []match.Event, error) {
		return match.Apply(m, cmd, actorID, time.Now().UTC())
	})
}

// publishUpdate fans an accepted mutation out: the full snapshot to the
// match channel and a compact delta to the parent tournament channel.
func (r *Router) publishUpdate(ctx context.Context, m *match.Match, events []match.Event) {
	frame, err := protocol.NewFrame(protocol.TypeMatchUpdate, protocol.MatchUpdateData{
		Match:         m,
		EmittedEvents: events,
	})
	if err != nil {
		r.log.Error("failed to build MATCH_UPDATE", zap.Error(err))
		return
	}
	frame.MatchID = m.ID
	frame.Version = m.Version
	if err := r.publishFrame(ctx, hub.MatchChannel(m.ID), frame); err != nil {
		r.log.Error("failed to publish match update",
			zap.String("match_id", m.ID), zap.Error(err))
	}

	if m.TournamentID == "" {
		return
	}
	delta, err := protocol.NewFrame(protocol.TypeMatchUpdate, protocol.TournamentDelta{
		MatchID:              m.ID,
		State:                m.State,
		Score1:               m.Score1,
		Score2:               m.Score2,
		TimeRemainingSeconds: m.TimeRemainingSeconds,
		Version:              m.Version,
		WinnerParticipantID:  m.WinnerParticipantID,
	})
	if err != nil {
		return
	}
	delta.MatchID = m.ID
	delta.TournamentID = m.TournamentID
	delta.Version = m.Version
	if err := r.publishFrame(ctx, hub.TournamentChannel(m.TournamentID), delta); err != nil {
		r.log.Error("failed to publish tournament delta",
			zap.String("tournament_id", m.TournamentID), zap.Error(err))
	}
}

func (r *Router) publishFrame(ctx context.Context, channel string, f protocol.Frame) error {
	payload, err := f.Encode()
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, channel, payload); err != nil {
		return err
	}
	r.metrics.MessagesPublished.Inc()
	return nil
}

func (r *Router) countAutoFinish(events []match.Event) {
	for _, ev := range events {
		if cause, ok := ev.Metadata["cause"]; ok &&
			(ev.Type == match.EventAutoFinish || ev.Type == match.EventStateChange) {
			r.metrics.AutoFinish.WithLabelValues(cause).Inc()
		}
	}
}

func (r *Router) reject(c *hub.Conn, kind, message, correlationID string) {
	r.metrics.CommandsRejected.WithLabelValues(kind).Inc()
	c.SendFrame(protocol.ErrorFrame(kind, message, correlationID))
}

// classify maps internal failures onto the wire error taxonomy.
func classify(err error) (kind, message string) {
	switch {
	case errors.Is(err, match.ErrInvalidTransition):
		return protocol.KindInvalidTransition, "state machine refused the command"
	case errors.Is(err, match.ErrUnknownParticipant):
		return protocol.KindUnknownParticipant, "participant is not on this match"
	case errors.Is(err, match.ErrMatchTerminal):
		return protocol.KindMatchTerminal, "match is in a terminal state"
	case errors.Is(err, match.ErrMalformedCommand):
		return protocol.KindMalformedCommand, "command is malformed"
	case errors.Is(err, store.ErrConflict):
		return protocol.KindConflict, "concurrent updates exhausted retries, refetch and retry"
	case errors.Is(err, store.ErrNotFound):
		return protocol.KindNotFound, "match not found"
	case errors.Is(err, store.ErrUnavailable):
		return protocol.KindStoreUnavailable, "store unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.KindStoreTimeout, "store deadline exceeded"
	default:
		return protocol.KindStoreUnavailable, "internal error"
	}
}

// SyncTimer appends a durable TIMER_UPDATE reconciling the advisory
// countdown to the store. Called by the owning ticker.
func (r *Router) SyncTimer(ctx context.Context, matchID string, remaining uint32) (*match.Match, error) {
	updated, events, err := r.execute(ctx, match.Command{
		Kind:    match.CmdTimerSet,
		MatchID: matchID,
		Seconds: remaining,
	}, systemActor)
	if err != nil {
		return nil, err
	}
	r.metrics.CommandsAccepted.WithLabelValues(string(match.CmdTimerSet)).Inc()
	r.publishUpdate(ctx, updated, events)
	return updated, nil
}

// ExpireTimer appends the synthetic TIMER_EXPIRED command when the countdown
// reaches zero.
func (r *Router) ExpireTimer(ctx context.Context, matchID string) (*match.Match, error) {
	updated, events, err := r.execute(ctx, match.Command{
		Kind:    match.CmdTimerExpired,
		MatchID: matchID,
	}, systemActor)
	if err != nil {
		return nil, err
	}
	r.metrics.CommandsAccepted.WithLabelValues(string(match.CmdTimerExpired)).Inc()
	r.countAutoFinish(events)
	r.publishUpdate(ctx, updated, events)
	return updated, nil
}

// Snapshot builds the initial MATCH_UPDATE for a new subscriber, carrying
// the events the client missed since sinceVersion.
func (r *Router) Snapshot(ctx context.Context, matchID string, sinceVersion uint64) (protocol.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, storeDeadline)
	defer cancel()

	m, err := r.store.LoadMatch(ctx, matchID)
	if err != nil {
		return protocol.Frame{}, err
	}
	var events []match.Event
	if sinceVersion < m.Version {
		events, err = r.store.RecentEvents(ctx, matchID, sinceVersion, snapshotEventLimit)
		if err != nil {
			return protocol.Frame{}, err
		}
	}
	frame, err := protocol.NewFrame(protocol.TypeMatchUpdate, protocol.MatchUpdateData{
		Match:         m,
		EmittedEvents: events,
	})
	if err != nil {
		return protocol.Frame{}, err
	}
	frame.MatchID = m.ID
	frame.Version = m.Version
	return frame, nil
}
