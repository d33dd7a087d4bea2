package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/00quasr/sokudo-sub000/internal/app"
)

// LifecycleEvent announces a race transition to external observers
// (leaderboards, notifications). Rooms are process-local; the bus only
// publishes, it never feeds state back into a room.
type LifecycleEvent struct {
	RaceID string    `json:"raceId"`
	Event  string    `json:"event"` // started, finished, cancelled
	At     time.Time `json:"at"`
}

type Bus struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewBus connects to redis and verifies connectivity. An empty addr
// disables the bus; a nil *Bus is safe to publish on.
func NewBus(ctx context.Context, cfg app.Config, log *slog.Logger) (*Bus, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Bus{rdb: rdb, log: log}, nil
}

// Publish sends a lifecycle event on the race channel. Fire-and-forget
// and off the caller's goroutine: race outcomes never depend on the bus
// and room loops must not block on redis.
func (b *Bus) Publish(raceID, event string) {
	if b == nil {
		return
	}
	raw, _ := json.Marshal(LifecycleEvent{RaceID: raceID, Event: event, At: time.Now()})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.rdb.Publish(ctx, channel(raceID), raw).Err(); err != nil {
			b.log.Warn("bus.publish", "race", raceID, "err", err)
		}
	}()
}

// Close shuts down the redis connection
func (b *Bus) Close() {
	if b == nil {
		return
	}
	_ = b.rdb.Close()
}

// channel namespacing for race lifecycle pub/sub
func channel(raceID string) string { return "race:" + raceID }
