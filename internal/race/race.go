package race

import "time"

// Status is shared by the live room, the wire protocol, and the store so
// the in-memory state and the persisted status string cannot drift.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Race is the durable race row. StartedAt is non-nil iff the race
// reached in_progress.
type Race struct {
	ID          string
	Status      Status
	ChallengeID string
	MaxPlayers  int
	StartedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FinalResult is one participant's outcome as written at the terminal
// transition. WPM, Accuracy, FinishedAt and Rank stay nil for
// participants that never finished.
type FinalResult struct {
	UserID     string     `json:"userId"`
	WPM        *float64   `json:"wpm"`
	Accuracy   *float64   `json:"accuracy"`
	FinishedAt *time.Time `json:"finishedAt"`
	Rank       *int       `json:"rank"`
}

// Final is the full payload handed to the persistence layer exactly once
// per race, at the finished/cancelled transition.
type Final struct {
	RaceID       string
	Status       Status
	StartedAt    *time.Time
	Participants []FinalResult
}
