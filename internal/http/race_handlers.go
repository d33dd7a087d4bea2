package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/00quasr/sokudo-sub000/internal/race"
	"github.com/00quasr/sokudo-sub000/internal/store"
)

type RacesAPI struct {
	DB                *store.Postgres
	DefaultMaxPlayers int
}

type createRaceReq struct {
	ChallengeID string `json:"challengeId"`
	MaxPlayers  int    `json:"maxPlayers"`
}

type raceResponse struct {
	ID          string      `json:"id"`
	Status      race.Status `json:"status"`
	ChallengeID string      `json:"challengeId"`
	MaxPlayers  int         `json:"maxPlayers"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type challengeResponse struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Create opens a new waiting race on a challenge. The race row exists
// before any websocket connects; the room is created lazily on first join.
func (a *RacesAPI) Create(w http.ResponseWriter, r *http.Request) {
	var req createRaceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.MaxPlayers <= 0 {
		req.MaxPlayers = a.DefaultMaxPlayers
	}

	// The challenge must exist before a race can reference it.
	if _, err := a.DB.GetChallenge(r.Context(), req.ChallengeID); err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			http.Error(w, "challenge not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rc, err := a.DB.CreateRace(r.Context(), req.ChallengeID, req.MaxPlayers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, toRaceResponse(rc))
}

// Get returns a race row by id.
func (a *RacesAPI) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	rc, err := a.DB.GetRace(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRaceNotFound) {
			http.Error(w, "race not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, toRaceResponse(rc))
}

// Results returns the persisted outcome for a finished race.
func (a *RacesAPI) Results(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	results, err := a.DB.ListRaceResults(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

// GetChallenge returns challenge content for clients to render and race on.
func (a *RacesAPI) GetChallenge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	c, err := a.DB.GetChallenge(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			http.Error(w, "challenge not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, challengeResponse{ID: c.ID, Title: c.Title, Text: c.Text, Language: c.Language})
}

// ListChallenges returns up to 100 challenges
func (a *RacesAPI) ListChallenges(w http.ResponseWriter, r *http.Request) {
	cs, err := a.DB.ListChallenges(r.Context(), 100, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]challengeResponse, 0, len(cs))
	for _, c := range cs {
		resp = append(resp, challengeResponse{ID: c.ID, Title: c.Title, Text: c.Text, Language: c.Language})
	}
	writeJSON(w, resp)
}

func toRaceResponse(rc race.Race) raceResponse {
	return raceResponse{
		ID:          rc.ID,
		Status:      rc.Status,
		ChallengeID: rc.ChallengeID,
		MaxPlayers:  rc.MaxPlayers,
		StartedAt:   rc.StartedAt,
		CreatedAt:   rc.CreatedAt,
	}
}
