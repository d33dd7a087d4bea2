package store

import "time"

// Challenge is the text a race is typed against.
type Challenge struct {
	ID        string
	Title     string
	Text      string
	Language  string
	CreatedAt time.Time
}
