package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/00quasr/sokudo-sub000/internal/app"
	"github.com/00quasr/sokudo-sub000/internal/race"
	"github.com/00quasr/sokudo-sub000/pkg/auth"
)

// RaceStore is everything the hub and its rooms need from storage.
type RaceStore interface {
	Persistence
	GetRace(ctx context.Context, id string) (race.Race, error)
}

// Hub is the process-wide room registry. It guarantees at most one Room
// per race id; only creation is serialized, rooms run independently.
type Hub struct {
	log *slog.Logger
	cfg app.Config
	db  RaceStore
	bus *Bus
	jwt *auth.JWT

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewHub sets up the registry. An explicit instance, not a package
// singleton, so tests construct isolated hubs.
func NewHub(cfg app.Config, logger *slog.Logger, db RaceStore, bus *Bus) *Hub {
	return &Hub{
		log:   logger,
		cfg:   cfg,
		db:    db,
		bus:   bus,
		jwt:   auth.New(cfg.JWTSecret),
		rooms: map[string]*Room{},
	}
}

// getOrCreate returns the live room for a race, creating it lazily on
// first join. The race row must exist and still be open.
func (h *Hub) getOrCreate(ctx context.Context, raceID string) (*Room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if rm := h.rooms[raceID]; rm != nil {
		h.mu.Unlock()
		return rm, nil
	}
	h.mu.Unlock()

	rc, err := h.db.GetRace(ctx, raceID)
	if err != nil {
		return nil, errors.New("race not found")
	}
	if rc.Status == race.StatusCancelled {
		return nil, ErrRaceCancelled
	}
	if rc.Status != race.StatusWaiting {
		return nil, ErrNotWaiting
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrRoomClosed
	}
	// Re-check under the lock: a concurrent join may have won.
	if rm := h.rooms[raceID]; rm != nil {
		return rm, nil
	}
	rm := newRoom(raceID, rc.MaxPlayers, h.cfg, h.log, h.db, h.bus, h.remove)
	h.rooms[raceID] = rm
	h.log.Info("hub.room_created", "race", raceID, "maxPlayers", rc.MaxPlayers)
	return rm, nil
}

// remove is called by a room that finished its terminal flush.
func (h *Hub) remove(raceID string) {
	h.mu.Lock()
	delete(h.rooms, raceID)
	h.mu.Unlock()
}

// RoomCount reports live rooms (readiness, tests).
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// ServeWS handles a new /ws connection: resolve the user, expect a join
// frame, admit into the room, then pump messages until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	uid, err := h.resolveUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := Accept(w, r)
	if err != nil {
		h.log.Error("ws.accept", "err", err)
		return
	}
	ctx := r.Context()
	c := NewConn(sock, uid, h.log)
	go c.WriteLoop(h.cfg.Heartbeat)

	// First frame must be a join naming the race.
	jctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	first, ok := c.Read(jctx)
	cancel()
	if !ok || first.Type != MsgJoin || first.RaceID == "" {
		c.Send(errorMsg(CodeBadMessage, "expected join"), true)
		c.Close("no join")
		return
	}

	rm, err := h.getOrCreate(ctx, first.RaceID)
	if err != nil {
		c.Send(errorMsg(joinErrorCode(err), err.Error()), true)
		c.Close("join rejected")
		return
	}
	if err := rm.Join(uid, c); err != nil {
		c.Send(errorMsg(joinErrorCode(err), err.Error()), true)
		c.Close("join rejected")
		return
	}
	if err := h.db.UpsertParticipant(ctx, first.RaceID, uid); err != nil {
		// Without a participant row the finalize write has nowhere to land,
		// so the join must not stand.
		h.log.Error("hub.upsert_participant", "race", first.RaceID, "user", c.UserID(), "err", err)
		c.Send(errorMsg(CodeDisrupted, "join could not be recorded"), true)
		rm.Leave(uid, c)
		return
	}

	for {
		m, ok := c.Read(ctx)
		if !ok {
			break
		}
		switch m.Type {
		case MsgReady:
			rm.Ready(uid, c)
		case MsgProgress:
			rm.Progress(uid, c, m.ChallengeIndex, m.WPMSnapshot)
		case MsgFinish:
			rm.Finish(uid, c, m.WPM, m.Accuracy)
		case MsgLeave:
			rm.Leave(uid, c)
			return
		default:
			c.Send(errorMsg(CodeBadMessage, "unknown message type"), false)
		}
	}

	// Connection loss reaches the room as an ordered event like any other.
	rm.Leave(uid, c)
}

// resolveUser authenticates the upgrade request: bearer header, or a
// token query param for browser WebSocket clients.
func (h *Hub) resolveUser(r *http.Request) (string, error) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		b := r.Header.Get("Authorization")
		tok = strings.TrimPrefix(b, "Bearer ")
	}
	if tok == "" {
		return "", errors.New("no token")
	}
	return h.jwt.Verify(tok)
}

// Shutdown drains every live room: each gets a disruption notice and a
// chance to flush through persistence before the context expires.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.mu.Unlock()

	for _, rm := range rooms {
		rm.Shutdown()
	}
	for _, rm := range rooms {
		select {
		case <-rm.Done():
		case <-ctx.Done():
			h.log.Warn("hub.shutdown_grace_exceeded")
			return
		}
	}
	h.log.Info("hub.drained", "rooms", len(rooms))
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRaceFull):
		return CodeRaceFull
	case errors.Is(err, ErrDuplicateJoin):
		return CodeDuplicateJoin
	case errors.Is(err, ErrRaceCancelled):
		return CodeCancelled
	case errors.Is(err, ErrNotWaiting), errors.Is(err, ErrRoomClosed):
		return CodeNotWaiting
	default:
		return CodeRaceNotFound
	}
}
