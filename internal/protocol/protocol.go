// Package protocol defines the JSON frame format spoken on every WebSocket
// and published on the pub/sub bus.
package protocol

import (
	"time"

	"github.com/spk364/procomp/internal/match"
	"github.com/spk364/procomp/pkg/json"
)

// FrameType enumerates the wire message types.
type FrameType string

// Client to server.
const (
	TypePing             FrameType = "PING"
	TypeScoreUpdate      FrameType = "SCORE_UPDATE"
	TypeMatchStateUpdate FrameType = "MATCH_STATE_UPDATE"
	TypeComment          FrameType = "COMMENT"
)

// Server to client. TypeTimerUpdate flows both ways: inbound it is a referee
// timer set, outbound it is the advisory tick.
const (
	TypePong             FrameType = "PONG"
	TypeMatchUpdate      FrameType = "MATCH_UPDATE"
	TypeTimerUpdate      FrameType = "TIMER_UPDATE"
	TypeConnectionStatus FrameType = "CONNECTION_STATUS"
	TypeError            FrameType = "ERROR"
)

// Close codes used by the hub.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseServerError     = 1011
	CloseTryAgainLater   = 1013
	CloseIdle            = 4000
	CloseUnauthenticated = 4401
)

// Error kinds carried in ERROR frames.
const (
	KindUnauthenticated    = "Unauthenticated"
	KindUnauthorized       = "Unauthorized"
	KindMalformedCommand   = "MalformedCommand"
	KindInvalidTransition  = "InvalidTransition"
	KindUnknownParticipant = "UnknownParticipant"
	KindMatchTerminal      = "MatchTerminal"
	KindConflict           = "Conflict"
	KindStoreTimeout       = "StoreTimeout"
	KindStoreUnavailable   = "StoreUnavailable"
	KindNotFound           = "NotFound"
)

// Frame is the envelope for every message.
type Frame struct {
	Type          FrameType       `json:"type"`
	MatchID       string          `json:"matchId,omitempty"`
	TournamentID  string          `json:"tournamentId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Version       uint64          `json:"version,omitempty"`
}

// Encode marshals the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// MatchUpdateData carries the full aggregate plus the events emitted since
// the client's last known version.
type MatchUpdateData struct {
	Match         *match.Match  `json:"match"`
	EmittedEvents []match.Event `json:"emittedEvents"`
}

// TimerData is the lightweight advisory tick payload.
type TimerData struct {
	TimeRemainingSeconds uint32 `json:"timeRemainingSeconds"`
}

// ErrorData describes a rejected command or connection problem.
type ErrorData struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ConnectionStatusData is broadcast whenever the subscriber set of a match
// channel changes.
type ConnectionStatusData struct {
	Connected    bool `json:"connected"`
	ClientCount  int  `json:"clientCount"`
	RefereeCount int  `json:"refereeCount"`
	ViewerCount  int  `json:"viewerCount"`
}

// TournamentDelta is the compact cross-match summary published to
// tournament channels.
type TournamentDelta struct {
	MatchID              string      `json:"matchId"`
	State                match.State `json:"state"`
	Score1               match.Score `json:"score1"`
	Score2               match.Score `json:"score2"`
	TimeRemainingSeconds uint32      `json:"timeRemainingSeconds"`
	Version              uint64      `json:"version"`
	WinnerParticipantID  string      `json:"winnerParticipantId,omitempty"`
}

// ScoreUpdatePayload is the inbound SCORE_UPDATE data shape.
type ScoreUpdatePayload struct {
	Action        string `json:"action"`
	ParticipantID string `json:"participantId"`
}

// StateUpdatePayload is the inbound MATCH_STATE_UPDATE data shape.
type StateUpdatePayload struct {
	State string `json:"state"`
}

// TimerUpdatePayload is the inbound TIMER_UPDATE data shape.
type TimerUpdatePayload struct {
	TimeRemaining uint32 `json:"timeRemaining"`
}

// CommentPayload is the inbound COMMENT data shape.
type CommentPayload struct {
	Text string `json:"text"`
}

// NewFrame stamps the envelope with a marshaled payload.
func NewFrame(t FrameType, data interface{}) (Frame, error) {
	f := Frame{Type: t, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, err
		}
		f.Data = raw
	}
	return f, nil
}

// ErrorFrame builds an ERROR frame addressed to one connection.
func ErrorFrame(kind, message, correlationID string) Frame {
	f, _ := NewFrame(TypeError, ErrorData{Kind: kind, Message: message, CorrelationID: correlationID})
	f.CorrelationID = correlationID
	return f
}

// PongFrame answers an application-level PING.
func PongFrame() Frame {
	f, _ := NewFrame(TypePong, nil)
	return f
}
