package match

import (
	"time"
)

// State is the canonical match lifecycle vocabulary. The legacy data model
// also carried waiting/active/completed spellings; those are translated at
// the store boundary and never appear here.
type State string

const (
	StateScheduled  State = "SCHEDULED"
	StateInProgress State = "IN_PROGRESS"
	StatePaused     State = "PAUSED"
	StateFinished   State = "FINISHED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further state transitions are allowed.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}

// Valid reports whether s is one of the canonical states.
func (s State) Valid() bool {
	switch s {
	case StateScheduled, StateInProgress, StatePaused, StateFinished, StateCancelled:
		return true
	}
	return false
}

// Score holds one participant's tally.
type Score struct {
	Points      uint32 `json:"points"`
	Advantages  uint32 `json:"advantages"`
	Penalties   uint32 `json:"penalties"`
	Submissions uint32 `json:"submissions"`
}

// Participant is the denormalized competitor info carried on the match.
type Participant struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Team        string  `json:"team,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Grade       string  `json:"grade,omitempty"`
}

// Match is the authoritative aggregate. Version equals the sequence of the
// most recent accepted event; the store enforces compare-and-set on it.
type Match struct {
	ID           string `json:"id"`
	TournamentID string `json:"tournamentId"`

	Participant1 Participant `json:"participant1"`
	Participant2 Participant `json:"participant2"`
	Score1       Score       `json:"score1"`
	Score2       Score       `json:"score2"`

	DurationSeconds      uint32 `json:"durationSeconds"`
	TimeRemainingSeconds uint32 `json:"timeRemainingSeconds"`

	State               State  `json:"state"`
	WinnerParticipantID string `json:"winnerParticipantId,omitempty"`
	Version             uint64 `json:"version"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy. The engine mutates only copies so that a
// rejected command leaves the caller's aggregate untouched.
func (m *Match) Clone() *Match {
	c := *m
	if m.StartedAt != nil {
		t := *m.StartedAt
		c.StartedAt = &t
	}
	if m.FinishedAt != nil {
		t := *m.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Side returns 1 or 2 for a participant id on this match, or 0 if the id
// does not belong to either side.
func (m *Match) Side(participantID string) int {
	switch participantID {
	case m.Participant1.ID:
		return 1
	case m.Participant2.ID:
		return 2
	}
	return 0
}

// EventType enumerates the audit log entry kinds.
type EventType string

const (
	EventPoints2      EventType = "POINTS_2"
	EventAdvantage    EventType = "ADVANTAGE"
	EventPenalty      EventType = "PENALTY"
	EventSubmission   EventType = "SUBMISSION"
	EventStart        EventType = "START"
	EventStop         EventType = "STOP"
	EventReset        EventType = "RESET"
	EventComment      EventType = "COMMENT"
	EventMatchCreated EventType = "MATCH_CREATED"
	EventStateChange  EventType = "STATE_CHANGE"
	EventTimerUpdate  EventType = "TIMER_UPDATE"
	EventAutoFinish   EventType = "AUTO_FINISH"
)

// Event is an immutable audit record. Sequence is dense and monotonic per
// match, starting at 1.
type Event struct {
	ID            string            `json:"id"`
	MatchID       string            `json:"matchId"`
	Sequence      uint64            `json:"sequence"`
	Timestamp     time.Time         `json:"timestamp"`
	ActorID       string            `json:"actorId"`
	ParticipantID string            `json:"participantId,omitempty"`
	Type          EventType         `json:"eventType"`
	Value         string            `json:"value,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
