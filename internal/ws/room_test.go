package ws

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/00quasr/sokudo-sub000/internal/app"
	"github.com/00quasr/sokudo-sub000/internal/race"
)

type fakeSession struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
}

func (f *fakeSession) Send(m Message, critical bool) {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
}

func (f *fakeSession) Close(reason string) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeSession) last(typ string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Type == typ {
			return f.msgs[i], true
		}
	}
	return Message{}, false
}

type fakeDB struct {
	mu        sync.Mutex
	finals    []race.Final
	attempts  int
	failN     int   // fail the first N finalize calls
	upsertErr error // returned from every participant upsert
}

func (f *fakeDB) UpsertParticipant(ctx context.Context, raceID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertErr
}

func (f *fakeDB) FinalizeRace(ctx context.Context, fin race.Final) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failN {
		return errors.New("db down")
	}
	f.finals = append(f.finals, fin)
	return nil
}

func (f *fakeDB) final(t *testing.T) race.Final {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.finals, 1, "finalizeRace must run exactly once")
	return f.finals[0]
}

func testConfig() app.Config {
	return app.Config{
		CountdownSeconds: 1,
		WaitingIdle:      300 * time.Millisecond,
		ReadyFloorWait:   50 * time.Millisecond,
		MaxRaceDuration:  10 * time.Second,
		FinalizeRetries:  3,
		FinalizeBackoff:  5 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRoom(t *testing.T, cfg app.Config, db Persistence) *Room {
	t.Helper()
	return newRoom("race-1", 4, cfg, testLogger(), db, nil, nil)
}

func waitStatus(t *testing.T, r *Room, want race.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Snapshot().Status == want
	}, 5*time.Second, 10*time.Millisecond, "room never reached %s", want)
}

func waitDone(t *testing.T, r *Room) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("room never flushed")
	}
}

func startRaceWith(t *testing.T, r *Room, sessions map[string]*fakeSession) {
	t.Helper()
	for _, uid := range []string{"alice", "bob", "carol", "dave"} {
		s, ok := sessions[uid]
		if !ok {
			continue
		}
		require.NoError(t, r.Join(uid, s))
	}
	// alice is always the host in these tests
	r.Ready("alice", sessions["alice"])
	waitStatus(t, r, race.StatusInProgress)
}

func TestTwoPlayerRaceRanksByReceiptOrder(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b := &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b})

	snap := r.Snapshot()
	require.NotNil(t, snap.StartedAt)

	r.Finish("bob", b, 80, 95)
	r.Finish("alice", a, 90, 97)
	waitDone(t, r)

	fin := db.final(t)
	assert.Equal(t, race.StatusFinished, fin.Status)
	require.NotNil(t, fin.StartedAt)

	byUser := map[string]race.FinalResult{}
	for _, p := range fin.Participants {
		byUser[p.UserID] = p
	}
	require.NotNil(t, byUser["bob"].Rank)
	require.NotNil(t, byUser["alice"].Rank)
	assert.Equal(t, 1, *byUser["bob"].Rank, "first finish received wins regardless of reported wpm")
	assert.Equal(t, 2, *byUser["alice"].Rank)
	assert.Equal(t, 80.0, *byUser["bob"].WPM)
	assert.Equal(t, 97.0, *byUser["alice"].Accuracy)
}

func TestSoloRaceFinishesImmediately(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a := &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a})

	r.Finish("alice", a, 72, 99)
	waitDone(t, r)

	fin := db.final(t)
	assert.Equal(t, race.StatusFinished, fin.Status)
	require.Len(t, fin.Participants, 1)
	require.NotNil(t, fin.Participants[0].Rank)
	assert.Equal(t, 1, *fin.Participants[0].Rank)
}

func TestWaitingIdleTimeoutCancels(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a := &fakeSession{}
	require.NoError(t, r.Join("alice", a))

	waitDone(t, r)
	fin := db.final(t)
	assert.Equal(t, race.StatusCancelled, fin.Status)
	assert.Nil(t, fin.StartedAt)
	for _, p := range fin.Participants {
		assert.Nil(t, p.Rank)
	}
}

func TestSecondFinishIsNoOp(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.MaxRaceDuration = 10 * time.Second
	r := newTestRoom(t, cfg, db)
	a, b := &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b})

	r.Finish("alice", a, 90, 97)
	require.Eventually(t, func() bool {
		return b.count(MsgParticipantFinished) == 1
	}, 2*time.Second, 10*time.Millisecond)

	before := r.Snapshot()
	r.Finish("alice", a, 120, 100)
	r.Finish("bob", b, 60, 90)
	waitDone(t, r)

	// alice's second submission changed nothing
	var alice ParticipantState
	for _, p := range before.Participants {
		if p.UserID == "alice" {
			alice = p
		}
	}
	assert.Equal(t, 1, alice.Rank)
	assert.Equal(t, 90.0, *alice.WPM)

	fin := db.final(t)
	byUser := map[string]race.FinalResult{}
	for _, p := range fin.Participants {
		byUser[p.UserID] = p
	}
	assert.Equal(t, 90.0, *byUser["alice"].WPM, "second finish must not overwrite the first")
	assert.Equal(t, 1, *byUser["alice"].Rank)
	assert.Equal(t, 2, *byUser["bob"].Rank)
}

func TestStaleProgressIgnored(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b := &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b})

	r.Progress("alice", a, 5, 70)
	require.Eventually(t, func() bool {
		return b.count(MsgProgressUpdate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Reordered and duplicate deliveries: no state change, no broadcast.
	r.Progress("alice", a, 3, 75)
	r.Progress("alice", a, 5, 75)

	snap := r.Snapshot()
	for _, p := range snap.Participants {
		if p.UserID == "alice" {
			assert.Equal(t, 5, p.ChallengeIndex)
			assert.Equal(t, 70.0, p.WPMSnapshot)
		}
	}
	assert.Equal(t, 1, b.count(MsgProgressUpdate))
}

func TestAllDisconnectBeforeFinishCancels(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b := &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b})

	r.Leave("alice", a)
	r.Leave("bob", b)
	waitDone(t, r)

	fin := db.final(t)
	assert.Equal(t, race.StatusCancelled, fin.Status)
	for _, p := range fin.Participants {
		assert.Nil(t, p.Rank, "no rank may be assigned in a cancelled race")
		assert.Nil(t, p.FinishedAt)
	}
}

func TestRanksAreContiguousPermutation(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b, c := &fakeSession{}, &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b, "carol": c})

	r.Finish("bob", b, 80, 95)
	r.Finish("carol", c, 85, 96)
	r.Leave("alice", a) // last unfinished participant drops: race completes
	waitDone(t, r)

	fin := db.final(t)
	assert.Equal(t, race.StatusFinished, fin.Status)
	seen := map[int]bool{}
	finished := 0
	for _, p := range fin.Participants {
		if p.FinishedAt == nil {
			assert.Nil(t, p.Rank)
			continue
		}
		finished++
		require.NotNil(t, p.Rank)
		assert.False(t, seen[*p.Rank], "duplicate rank %d", *p.Rank)
		seen[*p.Rank] = true
	}
	for i := 1; i <= finished; i++ {
		assert.True(t, seen[i], "rank %d missing", i)
	}
}

func TestConcurrentFinishesGetDistinctRanks(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b := &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.Finish("alice", a, 100, 99) }()
	go func() { defer wg.Done(); r.Finish("bob", b, 100, 99) }()
	wg.Wait()
	waitDone(t, r)

	fin := db.final(t)
	require.Len(t, fin.Participants, 2)
	require.NotNil(t, fin.Participants[0].Rank)
	require.NotNil(t, fin.Participants[1].Rank)
	got := map[int]bool{*fin.Participants[0].Rank: true, *fin.Participants[1].Rank: true}
	assert.True(t, got[1] && got[2], "ranks must be exactly {1,2}, got %v", got)
}

func TestRejoinPreservesProgress(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b := &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b})

	r.Progress("bob", b, 7, 65)
	r.Leave("bob", b)
	require.Eventually(t, func() bool {
		for _, p := range r.Snapshot().Participants {
			if p.UserID == "bob" {
				return !p.Connected
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	b2 := &fakeSession{}
	require.NoError(t, r.Join("bob", b2))

	snap := r.Snapshot()
	assert.Equal(t, race.StatusInProgress, snap.Status)
	for _, p := range snap.Participants {
		if p.UserID == "bob" {
			assert.True(t, p.Connected)
			assert.Equal(t, 7, p.ChallengeIndex, "reconnect must not reset progress")
		}
	}
	// the rejoiner is told the race is running
	started, ok := b2.last(MsgStarted)
	require.True(t, ok)
	assert.NotNil(t, started.StartedAt)
}

func TestRaceDurationTimeoutFinishesWithNulls(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.MaxRaceDuration = 300 * time.Millisecond
	r := newTestRoom(t, cfg, db)
	a, b := &fakeSession{}, &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a, "bob": b})

	r.Finish("alice", a, 88, 94)
	waitDone(t, r)

	fin := db.final(t)
	assert.Equal(t, race.StatusFinished, fin.Status)
	byUser := map[string]race.FinalResult{}
	for _, p := range fin.Participants {
		byUser[p.UserID] = p
	}
	require.NotNil(t, byUser["alice"].Rank)
	assert.Equal(t, 1, *byUser["alice"].Rank)
	assert.Nil(t, byUser["bob"].Rank)
	assert.Nil(t, byUser["bob"].WPM)
	assert.Nil(t, byUser["bob"].Accuracy)
}

func TestHostLeaveBeforeStartCancels(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b := &fakeSession{}, &fakeSession{}
	require.NoError(t, r.Join("alice", a))
	require.NoError(t, r.Join("bob", b))

	r.Leave("alice", a)
	waitDone(t, r)

	fin := db.final(t)
	assert.Equal(t, race.StatusCancelled, fin.Status)
	assert.Nil(t, fin.StartedAt)
}

func TestDuplicateJoinRejected(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a := &fakeSession{}
	require.NoError(t, r.Join("alice", a))
	err := r.Join("alice", &fakeSession{})
	assert.ErrorIs(t, err, ErrDuplicateJoin)
}

func TestJoinAfterStartRejected(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a := &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a})

	err := r.Join("mallory", &fakeSession{})
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestProgressBeforeStartIsProtocolError(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.WaitingIdle = 5 * time.Second
	r := newTestRoom(t, cfg, db)
	a, b := &fakeSession{}, &fakeSession{}
	require.NoError(t, r.Join("alice", a))
	require.NoError(t, r.Join("bob", b))

	r.Progress("alice", a, 1, 50)
	require.Eventually(t, func() bool {
		m, ok := a.last(MsgError)
		return ok && m.Code == CodeNotStarted
	}, 2*time.Second, 10*time.Millisecond)

	// the offending session alone is told; the room is unaffected
	assert.Equal(t, 0, b.count(MsgError))
	assert.Equal(t, race.StatusWaiting, r.Snapshot().Status)
}

func TestFinalizeRetriesUntilSuccess(t *testing.T) {
	db := &fakeDB{failN: 2}
	r := newTestRoom(t, testConfig(), db)
	a := &fakeSession{}
	startRaceWith(t, r, map[string]*fakeSession{"alice": a})

	r.Finish("alice", a, 75, 98)
	waitDone(t, r)

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Equal(t, 3, db.attempts)
	require.Len(t, db.finals, 1)
	assert.Equal(t, race.StatusFinished, db.finals[0].Status)
}

func TestShutdownDisruptsWaitingRoom(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a := &fakeSession{}
	require.NoError(t, r.Join("alice", a))

	r.Shutdown()
	waitDone(t, r)

	fin := db.final(t)
	assert.Equal(t, race.StatusCancelled, fin.Status)
	m, ok := a.last(MsgError)
	require.True(t, ok)
	assert.Equal(t, CodeDisrupted, m.Code)
}

func TestFullRosterStartsWithoutReady(t *testing.T) {
	db := &fakeDB{}
	r := newRoom("race-1", 2, testConfig(), testLogger(), db, nil, nil)
	a, b := &fakeSession{}, &fakeSession{}
	require.NoError(t, r.Join("alice", a))
	require.NoError(t, r.Join("bob", b))

	// capacity reached: the countdown begins with nobody ready, and the
	// counting room admits no one new
	err := r.Join("mallory", &fakeSession{})
	assert.ErrorIs(t, err, ErrNotWaiting)

	waitStatus(t, r, race.StatusInProgress)
	assert.GreaterOrEqual(t, a.count(MsgCountdown), 1)
	assert.GreaterOrEqual(t, b.count(MsgStarted), 1)
}

func TestLeaveDuringCountdownAborts(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.CountdownSeconds = 3
	cfg.WaitingIdle = 5 * time.Second
	r := newRoom("race-1", 2, cfg, testLogger(), db, nil, nil)
	a, b := &fakeSession{}, &fakeSession{}
	require.NoError(t, r.Join("alice", a))
	require.NoError(t, r.Join("bob", b))
	require.True(t, r.Snapshot().Counting)

	r.Leave("bob", b)
	require.Eventually(t, func() bool {
		s := r.Snapshot()
		return !s.Counting && s.Status == race.StatusWaiting
	}, 2*time.Second, 10*time.Millisecond, "countdown must abort below two connected")

	// bob's slot survives his disconnect, so the roster is still full
	err := r.Join("mallory", &fakeSession{})
	assert.ErrorIs(t, err, ErrRaceFull)

	// the departed participant reclaims the slot and the host restarts
	b2 := &fakeSession{}
	require.NoError(t, r.Join("bob", b2))
	r.Ready("alice", a)
	waitStatus(t, r, race.StatusInProgress)
}

func TestLeaveDuringCountdownRestartsWithRemaining(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.WaitingIdle = 5 * time.Second
	r := newRoom("race-1", 3, cfg, testLogger(), db, nil, nil)
	a, b, c := &fakeSession{}, &fakeSession{}, &fakeSession{}
	require.NoError(t, r.Join("alice", a))
	require.NoError(t, r.Join("bob", b))
	require.NoError(t, r.Join("carol", c))
	require.True(t, r.Snapshot().Counting)

	r.Leave("carol", c)
	waitStatus(t, r, race.StatusInProgress)

	snap := r.Snapshot()
	for _, p := range snap.Participants {
		if p.UserID == "carol" {
			assert.False(t, p.Connected)
		}
	}
	// abort plus restart announces the countdown from the top again
	assert.GreaterOrEqual(t, a.count(MsgCountdown), 2)
}

func TestCountdownBroadcastAndStartedState(t *testing.T) {
	db := &fakeDB{}
	r := newTestRoom(t, testConfig(), db)
	a, b := &fakeSession{}, &fakeSession{}
	require.NoError(t, r.Join("alice", a))
	require.NoError(t, r.Join("bob", b))

	r.Ready("alice", a)
	waitStatus(t, r, race.StatusInProgress)

	assert.GreaterOrEqual(t, b.count(MsgCountdown), 1)
	started, ok := b.last(MsgStarted)
	require.True(t, ok)
	assert.NotNil(t, started.StartedAt)
	assert.NotNil(t, r.Snapshot().StartedAt)
}
