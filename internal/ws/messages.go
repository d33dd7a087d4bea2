package ws

import (
	"encoding/json"
	"time"

	"github.com/00quasr/sokudo-sub000/internal/race"
)

// Client -> server message types.
const (
	MsgJoin     = "join"
	MsgReady    = "ready"
	MsgProgress = "progress"
	MsgFinish   = "finish"
	MsgLeave    = "leave"
)

// Server -> client message types.
const (
	MsgRoster              = "roster"
	MsgCountdown           = "countdown"
	MsgStarted             = "started"
	MsgProgressUpdate      = "progressUpdate"
	MsgParticipantFinished = "participantFinished"
	MsgRaceFinished        = "raceFinished"
	MsgError               = "error"
)

// Error codes sent to clients.
const (
	CodeBadMessage    = "bad_message"
	CodeRaceNotFound  = "race_not_found"
	CodeRaceFull      = "race_full"
	CodeNotWaiting    = "race_not_waiting"
	CodeDuplicateJoin = "duplicate_join"
	CodeNotStarted    = "race_not_started"
	CodeCancelled     = "race_cancelled"
	CodeDisrupted     = "race_disrupted"
)

// Message is the single JSON envelope for both directions. Unused fields
// are omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// join / routing
	RaceID string `json:"raceId,omitempty"`
	UserID string `json:"userId,omitempty"`

	// progress / finish
	ChallengeIndex int     `json:"challengeIndex,omitempty"`
	WPMSnapshot    float64 `json:"wpmSnapshot,omitempty"`
	WPM            float64 `json:"wpm,omitempty"`
	Accuracy       float64 `json:"accuracy,omitempty"`

	// countdown / start / finish broadcasts
	SecondsRemaining int                `json:"secondsRemaining,omitempty"`
	StartedAt        *time.Time         `json:"startedAt,omitempty"`
	Rank             int                `json:"rank,omitempty"`
	Status           race.Status        `json:"status,omitempty"`
	Participants     []ParticipantState `json:"participants,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Reason string `json:"message,omitempty"`
}

// ParticipantState is the roster entry clients render. Rank is zero until
// assigned; WPM/Accuracy carry finals only after the participant finished.
type ParticipantState struct {
	UserID         string   `json:"userId"`
	Connected      bool     `json:"connected"`
	Ready          bool     `json:"ready"`
	ChallengeIndex int      `json:"challengeIndex"`
	WPMSnapshot    float64  `json:"wpmSnapshot"`
	Finished       bool     `json:"finished"`
	Rank           int      `json:"rank,omitempty"`
	WPM            *float64 `json:"wpm,omitempty"`
	Accuracy       *float64 `json:"accuracy,omitempty"`
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func errorMsg(code, reason string) Message {
	return Message{Type: MsgError, Code: code, Reason: reason}
}
