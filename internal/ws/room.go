package ws

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/00quasr/sokudo-sub000/internal/app"
	"github.com/00quasr/sokudo-sub000/internal/race"
	"github.com/00quasr/sokudo-sub000/pkg/metrics"
)

// Persistence is the durable side of a race. UpsertParticipant is called
// on every successful join; FinalizeRace exactly once per room, at the
// terminal transition.
type Persistence interface {
	UpsertParticipant(ctx context.Context, raceID, userID string) error
	FinalizeRace(ctx context.Context, fin race.Final) error
}

var (
	ErrRaceFull      = errors.New("race is full")
	ErrNotWaiting    = errors.New("race is not accepting joins")
	ErrDuplicateJoin = errors.New("user already connected")
	ErrRaceCancelled = errors.New("race was cancelled")
	ErrRoomClosed    = errors.New("room is closed")
)

type evKind int

const (
	evJoin evKind = iota
	evReady
	evProgress
	evFinish
	evLeave
	evTimer
	evShutdown
	evSnapshot
)

type timerKind int

const (
	tCountdown timerKind = iota
	tWaitingIdle
	tReadyFloor
	tRaceDeadline
)

type event struct {
	kind evKind

	userID string
	sess   session

	index    int
	wpm      float64
	accuracy float64

	timer timerKind
	gen   int

	reply chan error
	snap  chan Snapshot
}

type participant struct {
	userID string
	sess   session // nil while disconnected; roster entry survives
	ready  bool

	challengeIndex int
	wpmSnapshot    float64

	finalWPM      *float64
	finalAccuracy *float64
	finishedAt    *time.Time
	rank          int // 0 until assigned
}

// Snapshot is a point-in-time view of room state, served through the
// event loop so it observes the same ordering as every other event.
type Snapshot struct {
	RaceID       string
	Status       race.Status
	Counting     bool
	StartedAt    *time.Time
	Participants []ParticipantState
}

// Room is the authoritative coordinator for one race. A single goroutine
// owns all state below the events channel; everything reaches it as an
// ordered event, so no locks are needed and server receipt order is the
// ranking tie-break.
type Room struct {
	raceID     string
	maxPlayers int
	cfg        app.Config
	log        *slog.Logger
	db         Persistence
	bus        *Bus
	onClose    func(raceID string)

	events  chan event
	stopped chan struct{} // loop exited; state frozen
	done    chan struct{} // terminal flush complete

	// Loop-owned state. Never touched outside run().
	status    race.Status
	parts     []*participant
	startedAt *time.Time
	finishSeq int

	counting      bool
	countdownLeft int
	cdGen         int
	floorPending  bool
	floorGen      int

	finalSnap Snapshot
}

func newRoom(raceID string, maxPlayers int, cfg app.Config, log *slog.Logger, db Persistence, bus *Bus, onClose func(string)) *Room {
	r := &Room{
		raceID:     raceID,
		maxPlayers: maxPlayers,
		cfg:        cfg,
		log:        log.With("race", raceID),
		db:         db,
		bus:        bus,
		onClose:    onClose,
		events:     make(chan event, 256),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
		status:     race.StatusWaiting,
	}
	metrics.RoomsActive.Inc()
	go r.run()
	return r
}

// Done closes once the room has flushed its terminal state and
// unregistered itself.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) enqueue(e event) bool {
	select {
	case r.events <- e:
		return true
	case <-r.stopped:
		return false
	}
}

// Join admits or reattaches a participant. Blocks until the room has
// processed the request in order.
func (r *Room) Join(userID string, s session) error {
	reply := make(chan error, 1)
	if !r.enqueue(event{kind: evJoin, userID: userID, sess: s, reply: reply}) {
		return ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-r.stopped:
		return ErrRoomClosed
	}
}

// Ready signals start intent from a participant.
func (r *Room) Ready(userID string, s session) {
	r.enqueue(event{kind: evReady, userID: userID, sess: s})
}

// Progress records a numeric progress update.
func (r *Room) Progress(userID string, s session, index int, wpm float64) {
	r.enqueue(event{kind: evProgress, userID: userID, sess: s, index: index, wpm: wpm})
}

// Finish records a final result submission.
func (r *Room) Finish(userID string, s session, wpm, accuracy float64) {
	r.enqueue(event{kind: evFinish, userID: userID, sess: s, wpm: wpm, accuracy: accuracy})
}

// Leave reports a voluntary departure or a lost connection. The session
// is included so a stale disconnect cannot detach a reconnected user.
func (r *Room) Leave(userID string, s session) {
	r.enqueue(event{kind: evLeave, userID: userID, sess: s})
}

// Shutdown asks the room to terminate now (process shutdown). The caller
// waits on Done for the flush.
func (r *Room) Shutdown() {
	r.enqueue(event{kind: evShutdown})
}

// Snapshot returns current room state, or the final state if the room
// already terminated.
func (r *Room) Snapshot() Snapshot {
	snap := make(chan Snapshot, 1)
	if !r.enqueue(event{kind: evSnapshot, snap: snap}) {
		return r.finalSnap
	}
	select {
	case s := <-snap:
		return s
	case <-r.stopped:
		return r.finalSnap
	}
}

func (r *Room) run() {
	r.scheduleTimer(r.cfg.WaitingIdle, tWaitingIdle, 0)

	for !r.status.Terminal() {
		e := <-r.events
		switch e.kind {
		case evJoin:
			e.reply <- r.handleJoin(e.userID, e.sess)
		case evReady:
			r.handleReady(e.userID, e.sess)
		case evProgress:
			r.handleProgress(e.userID, e.sess, e.index, e.wpm)
		case evFinish:
			r.handleFinish(e.userID, e.sess, e.wpm, e.accuracy)
		case evLeave:
			r.handleLeave(e.userID, e.sess)
		case evTimer:
			r.handleTimer(e.timer, e.gen)
		case evShutdown:
			r.handleShutdown()
		case evSnapshot:
			e.snap <- r.currentSnapshot()
		}
	}

	r.finalSnap = r.currentSnapshot()
	close(r.stopped)
	r.finalize()
	close(r.done)
}

func (r *Room) scheduleTimer(d time.Duration, k timerKind, gen int) {
	time.AfterFunc(d, func() {
		r.enqueue(event{kind: evTimer, timer: k, gen: gen})
	})
}

func (r *Room) find(userID string) *participant {
	for _, p := range r.parts {
		if p.userID == userID {
			return p
		}
	}
	return nil
}

func (r *Room) connected() int {
	n := 0
	for _, p := range r.parts {
		if p.sess != nil {
			n++
		}
	}
	return n
}

func (r *Room) readyCount() int {
	n := 0
	for _, p := range r.parts {
		if p.sess != nil && p.ready {
			n++
		}
	}
	return n
}

func (r *Room) anyFinished() bool {
	for _, p := range r.parts {
		if p.finishedAt != nil {
			return true
		}
	}
	return false
}

// allConnectedFinished is the in_progress completion condition: at least
// one finisher and no connected participant still racing. Participants
// that finished and then dropped still count as finished.
func (r *Room) allConnectedFinished() bool {
	if !r.anyFinished() {
		return false
	}
	for _, p := range r.parts {
		if p.sess != nil && p.finishedAt == nil {
			return false
		}
	}
	return true
}

func (r *Room) isHost(p *participant) bool {
	return len(r.parts) > 0 && r.parts[0] == p
}

func (r *Room) handleJoin(userID string, s session) error {
	if p := r.find(userID); p != nil {
		if p.sess != nil {
			return ErrDuplicateJoin
		}
		// Reconnect into the existing slot; progress is preserved.
		p.sess = s
		r.log.Debug("room.rejoin", "user", userID, "status", r.status)
		r.broadcastRoster()
		if r.status == race.StatusInProgress {
			s.Send(Message{Type: MsgStarted, StartedAt: r.startedAt}, true)
		}
		return nil
	}

	if r.status != race.StatusWaiting || r.counting {
		return ErrNotWaiting
	}
	if len(r.parts) >= r.maxPlayers {
		return ErrRaceFull
	}

	r.parts = append(r.parts, &participant{userID: userID, sess: s})
	r.log.Info("room.join", "user", userID, "roster", len(r.parts))
	r.broadcastRoster()

	// A full roster starts without waiting for the host.
	if len(r.parts) == r.maxPlayers {
		r.startCountdown()
	}
	return nil
}

func (r *Room) handleReady(userID string, s session) {
	p := r.find(userID)
	if p == nil || p.sess != s {
		return
	}
	if r.status != race.StatusWaiting {
		s.Send(errorMsg(CodeNotWaiting, "race already started"), false)
		return
	}
	p.ready = true
	r.broadcastRoster()

	if r.counting {
		return
	}
	if r.isHost(p) {
		r.startCountdown()
		return
	}
	// Auto-start floor: two or more ready participants, after a bounded wait.
	if r.readyCount() >= 2 && !r.floorPending {
		r.floorPending = true
		r.floorGen++
		r.scheduleTimer(r.cfg.ReadyFloorWait, tReadyFloor, r.floorGen)
	}
}

func (r *Room) handleProgress(userID string, s session, index int, wpm float64) {
	if r.status != race.StatusInProgress {
		s.Send(errorMsg(CodeNotStarted, "race has not started"), false)
		return
	}
	p := r.find(userID)
	if p == nil || p.sess != s {
		return
	}
	// Tolerate duplicate or reordered delivery: stale indexes are no-ops.
	if index <= p.challengeIndex {
		return
	}
	p.challengeIndex = index
	p.wpmSnapshot = wpm
	r.broadcastExcept(s, Message{
		Type:           MsgProgressUpdate,
		UserID:         userID,
		ChallengeIndex: index,
		WPMSnapshot:    wpm,
	}, false)
}

func (r *Room) handleFinish(userID string, s session, wpm, accuracy float64) {
	if r.status != race.StatusInProgress {
		s.Send(errorMsg(CodeNotStarted, "race has not started"), false)
		return
	}
	p := r.find(userID)
	if p == nil || p.sess != s {
		return
	}
	if p.finishedAt != nil {
		// Idempotent: a second finish is ignored.
		return
	}

	r.finishSeq++
	now := time.Now()
	p.finalWPM = &wpm
	p.finalAccuracy = &accuracy
	p.finishedAt = &now
	p.rank = r.finishSeq
	r.log.Info("room.participant_finished", "user", userID, "rank", p.rank, "wpm", wpm)

	r.broadcast(Message{Type: MsgParticipantFinished, UserID: userID, Rank: p.rank}, true)

	if r.allConnectedFinished() {
		r.finishRace()
	}
}

func (r *Room) handleLeave(userID string, s session) {
	p := r.find(userID)
	if p == nil || p.sess != s {
		// Stale disconnect from a superseded session.
		return
	}
	p.sess = nil
	p.ready = false
	s.Close("left race")
	r.log.Info("room.leave", "user", userID, "status", r.status)
	r.broadcastRoster()

	switch r.status {
	case race.StatusWaiting:
		if r.isHost(p) {
			// Host gone before start: the race cannot proceed.
			r.cancelRace()
			return
		}
		if r.counting {
			if r.connected() == 0 {
				r.cancelRace()
				return
			}
			// Restart from the full duration, or abort below the floor.
			r.abortCountdown()
			if r.connected() >= 2 {
				r.startCountdown()
			}
		}
	case race.StatusInProgress:
		if r.connected() == 0 {
			if r.anyFinished() {
				r.finishRace()
			} else {
				r.cancelRace()
			}
			return
		}
		if r.allConnectedFinished() {
			r.finishRace()
		}
	}
}

func (r *Room) handleTimer(k timerKind, gen int) {
	switch k {
	case tWaitingIdle:
		if r.status == race.StatusWaiting && !r.counting {
			r.log.Info("room.idle_timeout")
			r.cancelRace()
		}
	case tReadyFloor:
		if gen != r.floorGen {
			return
		}
		r.floorPending = false
		if r.status == race.StatusWaiting && !r.counting && r.readyCount() >= 2 {
			r.startCountdown()
		}
	case tCountdown:
		if gen != r.cdGen || !r.counting {
			return
		}
		r.countdownLeft--
		if r.countdownLeft > 0 {
			r.broadcast(Message{Type: MsgCountdown, SecondsRemaining: r.countdownLeft}, false)
			r.scheduleTimer(time.Second, tCountdown, r.cdGen)
			return
		}
		r.startRace()
	case tRaceDeadline:
		if r.status == race.StatusInProgress {
			// Timeout finish: whoever has not finished keeps null results.
			r.log.Info("room.race_timeout")
			r.finishRace()
		}
	}
}

func (r *Room) handleShutdown() {
	r.broadcast(errorMsg(CodeDisrupted, "server shutting down"), true)
	if r.status == race.StatusInProgress && r.anyFinished() {
		r.finishRace()
		return
	}
	r.cancelRace()
}

func (r *Room) startCountdown() {
	r.counting = true
	r.cdGen++
	r.countdownLeft = r.cfg.CountdownSeconds
	r.log.Info("room.countdown", "seconds", r.countdownLeft)
	r.broadcast(Message{Type: MsgCountdown, SecondsRemaining: r.countdownLeft}, false)
	r.scheduleTimer(time.Second, tCountdown, r.cdGen)
}

func (r *Room) abortCountdown() {
	r.counting = false
	r.cdGen++
	// Back in plain waiting; re-arm the idle cancel.
	r.scheduleTimer(r.cfg.WaitingIdle, tWaitingIdle, 0)
}

func (r *Room) startRace() {
	r.counting = false
	r.status = race.StatusInProgress
	now := time.Now()
	r.startedAt = &now
	r.log.Info("room.started", "participants", len(r.parts))
	r.broadcast(Message{Type: MsgStarted, StartedAt: r.startedAt}, true)
	r.bus.Publish(r.raceID, "started")
	r.scheduleTimer(r.cfg.MaxRaceDuration, tRaceDeadline, 0)
}

func (r *Room) finishRace() {
	r.status = race.StatusFinished
	r.broadcast(Message{
		Type:         MsgRaceFinished,
		Status:       race.StatusFinished,
		Participants: r.roster(),
	}, true)
}

func (r *Room) cancelRace() {
	r.status = race.StatusCancelled
	r.broadcast(Message{
		Type:         MsgRaceFinished,
		Status:       race.StatusCancelled,
		Participants: r.roster(),
	}, true)
}

// finalize runs after the loop exits: persist the outcome with bounded
// retries, announce on the bus, release sessions, then unregister.
// Clients already saw the result; persistence failing cannot take it back.
func (r *Room) finalize() {
	fin := race.Final{
		RaceID:    r.raceID,
		Status:    r.status,
		StartedAt: r.startedAt,
	}
	for _, p := range r.parts {
		res := race.FinalResult{UserID: p.userID}
		if p.finishedAt != nil {
			res.WPM = p.finalWPM
			res.Accuracy = p.finalAccuracy
			res.FinishedAt = p.finishedAt
			rank := p.rank
			res.Rank = &rank
		}
		fin.Participants = append(fin.Participants, res)
	}

	attempts := r.cfg.FinalizeRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			metrics.FinalizeRetries.Inc()
			time.Sleep(r.cfg.FinalizeBackoff * time.Duration(i))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.db.FinalizeRace(ctx, fin)
		cancel()
		if err == nil {
			break
		}
		r.log.Warn("room.finalize_retry", "attempt", i+1, "err", err)
	}
	if err != nil {
		r.log.Error("room.finalize_failed", "err", err)
	}

	r.bus.Publish(r.raceID, string(r.status))
	for _, p := range r.parts {
		if p.sess != nil {
			p.sess.Close("race over")
		}
	}
	metrics.RoomsActive.Dec()
	metrics.RacesTerminal.WithLabelValues(string(r.status)).Inc()
	r.log.Info("room.closed", "status", r.status)
	if r.onClose != nil {
		r.onClose(r.raceID)
	}
}

func (r *Room) roster() []ParticipantState {
	out := make([]ParticipantState, 0, len(r.parts))
	for _, p := range r.parts {
		st := ParticipantState{
			UserID:         p.userID,
			Connected:      p.sess != nil,
			Ready:          p.ready,
			ChallengeIndex: p.challengeIndex,
			WPMSnapshot:    p.wpmSnapshot,
			Finished:       p.finishedAt != nil,
			Rank:           p.rank,
		}
		if p.finishedAt != nil {
			st.WPM = p.finalWPM
			st.Accuracy = p.finalAccuracy
		}
		out = append(out, st)
	}
	return out
}

func (r *Room) currentSnapshot() Snapshot {
	return Snapshot{
		RaceID:       r.raceID,
		Status:       r.status,
		Counting:     r.counting,
		StartedAt:    r.startedAt,
		Participants: r.roster(),
	}
}

func (r *Room) broadcastRoster() {
	r.broadcast(Message{Type: MsgRoster, Participants: r.roster()}, false)
}

func (r *Room) broadcast(m Message, critical bool) {
	r.broadcastExcept(nil, m, critical)
}

// broadcastExcept fans out to every attached session. Sessions absorb
// the frame into their own bounded queue, so a slow peer cannot stall
// the loop or the rest of the room.
func (r *Room) broadcastExcept(skip session, m Message, critical bool) {
	for _, p := range r.parts {
		if p.sess == nil || p.sess == skip {
			continue
		}
		p.sess.Send(m, critical)
	}
}
