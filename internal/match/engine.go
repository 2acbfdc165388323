package match

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Engine rejections. The command router maps these onto the wire error
// taxonomy; none of them leave a trace in the event log.
var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrUnknownParticipant = errors.New("participant is not on this match")
	ErrMalformedCommand   = errors.New("malformed command")
	ErrMatchTerminal      = errors.New("match is in a terminal state")
)

// CommandKind enumerates referee intents plus the synthetic timer commands
// issued by the ticker.
type CommandKind string

const (
	CmdStart        CommandKind = "START"
	CmdPause        CommandKind = "PAUSE"
	CmdReset        CommandKind = "RESET"
	CmdEnd          CommandKind = "END"
	CmdCancel       CommandKind = "CANCEL"
	CmdScore        CommandKind = "SCORE"
	CmdTimerSet     CommandKind = "TIMER_SET"
	CmdComment      CommandKind = "COMMENT"
	CmdTimerExpired CommandKind = "TIMER_EXPIRED"
)

// ScoreKind enumerates the scoring actions a referee can issue.
type ScoreKind string

const (
	ScorePoints2    ScoreKind = "POINTS_2"
	ScoreAdvantage  ScoreKind = "ADVANTAGE"
	ScorePenalty    ScoreKind = "PENALTY"
	ScoreSubmission ScoreKind = "SUBMISSION"
)

// Auto-finish causes recorded in event metadata and exported as the
// auto_finish_total{cause} label.
const (
	CauseSubmission       = "submission"
	CauseDisqualification = "disqualification"
	CauseTimerExpired     = "timer_expired"
)

// disqualifyingPenalties is the penalty count at which the opponent wins.
const disqualifyingPenalties = 3

// Command is one validated intent against a single match.
type Command struct {
	Kind          CommandKind
	MatchID       string
	ParticipantID string
	Score         ScoreKind
	Seconds       uint32
	Text          string
}

// Apply runs the pure state machine: given the current aggregate, a command,
// the acting subject and the current time, it returns the next aggregate and
// the emitted events, or a rejection. Apply never mutates its input and
// never touches the clock, the network or the store.
func Apply(m *Match, cmd Command, actorID string, now time.Time) (*Match, []Event, error) {
	if m == nil || cmd.MatchID != m.ID {
		return nil, nil, ErrMalformedCommand
	}

	// COMMENT is valid from any state, terminal included.
	if cmd.Kind == CmdComment {
		next := m.Clone()
		ev := next.appendEvent(actorID, now, Event{Type: EventComment, Value: cmd.Text})
		return next, []Event{ev}, nil
	}

	if m.State.Terminal() {
		return nil, nil, ErrMatchTerminal
	}

	next := m.Clone()
	var events []Event

	switch cmd.Kind {
	case CmdStart:
		if next.State != StateScheduled && next.State != StatePaused {
			return nil, nil, ErrInvalidTransition
		}
		next.State = StateInProgress
		if next.StartedAt == nil {
			t := now
			next.StartedAt = &t
		}
		events = append(events, next.appendEvent(actorID, now, Event{Type: EventStart, Value: string(StateInProgress)}))

	case CmdPause:
		if next.State != StateInProgress {
			return nil, nil, ErrInvalidTransition
		}
		next.State = StatePaused
		events = append(events, next.appendEvent(actorID, now, Event{Type: EventStop, Value: string(StatePaused)}))

	case CmdReset:
		next.State = StateScheduled
		next.Score1 = Score{}
		next.Score2 = Score{}
		next.TimeRemainingSeconds = next.DurationSeconds
		next.StartedAt = nil
		next.FinishedAt = nil
		next.WinnerParticipantID = ""
		events = append(events, next.appendEvent(actorID, now, Event{Type: EventReset, Value: string(StateScheduled)}))

	case CmdEnd:
		if next.State != StateInProgress && next.State != StatePaused {
			return nil, nil, ErrInvalidTransition
		}
		events = append(events, next.finish(actorID, now, EventStateChange, ""))

	case CmdCancel:
		next.State = StateCancelled
		events = append(events, next.appendEvent(actorID, now, Event{Type: EventStateChange, Value: string(StateCancelled)}))

	case CmdScore:
		if next.State != StateInProgress {
			return nil, nil, ErrInvalidTransition
		}
		side := next.Side(cmd.ParticipantID)
		if side == 0 {
			return nil, nil, ErrUnknownParticipant
		}
		score := &next.Score1
		if side == 2 {
			score = &next.Score2
		}
		var evType EventType
		switch cmd.Score {
		case ScorePoints2:
			score.Points += 2
			evType = EventPoints2
		case ScoreAdvantage:
			score.Advantages++
			evType = EventAdvantage
		case ScorePenalty:
			score.Penalties++
			evType = EventPenalty
		case ScoreSubmission:
			score.Submissions++
			evType = EventSubmission
		default:
			return nil, nil, ErrMalformedCommand
		}
		events = append(events, next.appendEvent(actorID, now, Event{Type: evType, ParticipantID: cmd.ParticipantID}))

		if cause, finished := autoFinishCause(next); finished {
			finishType := EventAutoFinish
			if cause == CauseSubmission {
				finishType = EventStateChange
			}
			events = append(events, next.finish(actorID, now, finishType, cause))
		}

	case CmdTimerSet:
		seconds := cmd.Seconds
		if seconds > next.DurationSeconds {
			seconds = next.DurationSeconds
		}
		next.TimeRemainingSeconds = seconds
		events = append(events, next.appendEvent(actorID, now, Event{Type: EventTimerUpdate, Value: formatSeconds(seconds)}))

	case CmdTimerExpired:
		if next.State != StateInProgress {
			return nil, nil, ErrInvalidTransition
		}
		next.TimeRemainingSeconds = 0
		events = append(events, next.appendEvent(actorID, now, Event{Type: EventTimerUpdate, Value: "0"}))
		events = append(events, next.finish(actorID, now, EventAutoFinish, CauseTimerExpired))

	default:
		return nil, nil, ErrMalformedCommand
	}

	return next, events, nil
}

// finish moves the match to FINISHED, computes the winner and appends the
// closing event. cause is empty for referee-initiated END.
func (m *Match) finish(actorID string, now time.Time, evType EventType, cause string) Event {
	m.State = StateFinished
	t := now
	m.FinishedAt = &t
	m.WinnerParticipantID = Winner(m)
	ev := Event{Type: evType, Value: string(StateFinished)}
	if cause != "" {
		ev.Metadata = map[string]string{"cause": cause}
	}
	if m.WinnerParticipantID != "" {
		ev.ParticipantID = m.WinnerParticipantID
	}
	return m.appendEvent(actorID, now, ev)
}

// appendEvent stamps identity, sequence and timestamp onto ev and bumps the
// aggregate version so that version == latest sequence.
func (m *Match) appendEvent(actorID string, now time.Time, ev Event) Event {
	m.Version++
	m.UpdatedAt = now
	ev.ID = eventID(m.ID, m.Version)
	ev.MatchID = m.ID
	ev.Sequence = m.Version
	ev.Timestamp = now
	ev.ActorID = actorID
	return ev
}

// eventID derives a stable UUID from the match id and sequence. Sequences
// are never reused within a match, so the id is unique, and equal inputs to
// Apply yield byte-equal events.
func eventID(matchID string, sequence uint64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(matchID+"#"+strconv.FormatUint(sequence, 10))).String()
}

// autoFinishCause evaluates the auto-finish triggers after an accepted
// score mutation.
func autoFinishCause(m *Match) (string, bool) {
	if m.Score1.Submissions > 0 || m.Score2.Submissions > 0 {
		return CauseSubmission, true
	}
	if m.Score1.Penalties >= disqualifyingPenalties || m.Score2.Penalties >= disqualifyingPenalties {
		return CauseDisqualification, true
	}
	return "", false
}

// Winner applies the deterministic tie-break to the current scores:
// submission, disqualification, points, advantages, fewest penalties.
// Returns "" on a draw.
func Winner(m *Match) string {
	s1, s2 := m.Score1, m.Score2
	p1, p2 := m.Participant1.ID, m.Participant2.ID

	if sub1, sub2 := s1.Submissions > 0, s2.Submissions > 0; sub1 != sub2 {
		if sub1 {
			return p1
		}
		return p2
	}
	if dq1, dq2 := s1.Penalties >= disqualifyingPenalties, s2.Penalties >= disqualifyingPenalties; dq1 != dq2 {
		if dq1 {
			return p2
		}
		return p1
	}
	if s1.Points != s2.Points {
		if s1.Points > s2.Points {
			return p1
		}
		return p2
	}
	if s1.Advantages != s2.Advantages {
		if s1.Advantages > s2.Advantages {
			return p1
		}
		return p2
	}
	if s1.Penalties != s2.Penalties {
		if s1.Penalties < s2.Penalties {
			return p1
		}
		return p2
	}
	return ""
}

func formatSeconds(s uint32) string {
	return strconv.FormatUint(uint64(s), 10)
}
