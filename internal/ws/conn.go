package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"log/slog"
	"nhooyr.io/websocket"

	"github.com/00quasr/sokudo-sub000/pkg/metrics"
)

const outboxCap = 64

// session is what a Room needs from an attached connection. Satisfied by
// *Conn; tests substitute an in-memory sink.
type session interface {
	Send(m Message, critical bool)
	Close(reason string)
}

// Conn wraps one websocket connection: inbound decoding, a bounded
// outbound queue, and ping-based liveness.
type Conn struct {
	ws     *websocket.Conn
	log    *slog.Logger
	userID string

	box    *outbox
	closed chan struct{}
	once   sync.Once
}

// Accept upgrades HTTP to websocket (allow all origins)
func Accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
}

// NewConn wraps an accepted websocket for a resolved user.
func NewConn(ws *websocket.Conn, userID string, log *slog.Logger) *Conn {
	metrics.SessionsConnected.Inc()
	return &Conn{
		ws:     ws,
		log:    log,
		userID: userID,
		box:    newOutbox(outboxCap),
		closed: make(chan struct{}),
	}
}

func (c *Conn) UserID() string { return c.userID }

// Read blocks until the next decodable text frame.
// Returns false once the connection is gone.
func (c *Conn) Read(ctx context.Context) (Message, bool) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return Message{}, false
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		m, err := decodeMessage(data)
		if err != nil {
			// Malformed frames fault only this session's request, not the room.
			c.Send(errorMsg(CodeBadMessage, "malformed frame"), false)
			continue
		}
		return m, true
	}
}

// Send queues an outbound message. Never blocks; the outbox drop policy
// sheds load from slow consumers.
func (c *Conn) Send(m Message, critical bool) {
	raw, err := json.Marshal(m)
	if err != nil {
		c.log.Error("ws.encode", "err", err)
		return
	}
	c.box.push(outFrame{data: raw, critical: critical})
}

// WriteLoop drains the outbox and pings on the heartbeat interval. The
// loop is bound to the connection, not the upgrade request: only Kill
// stops it, so frames queued at teardown still reach the peer after the
// handler has returned. A failed write or ping means the peer is gone;
// the loop exits and the owning read loop observes the close.
func (c *Conn) WriteLoop(heartbeat time.Duration) {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	t := time.NewTicker(heartbeat)
	defer t.Stop()

	for {
		select {
		case <-c.box.ready:
			for {
				f, ok := c.box.pop()
				if !ok {
					break
				}
				wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := c.ws.Write(wctx, websocket.MessageText, f.data)
				cancel()
				if err != nil {
					c.Kill(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(context.Background(), heartbeat)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.Kill(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close shuts the connection down after giving the write loop a moment
// to flush queued frames, so terminal broadcasts reach the peer.
func (c *Conn) Close(reason string) {
	go func() {
		deadline := time.After(2 * time.Second)
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-c.closed:
				return
			case <-deadline:
				c.Kill(websocket.StatusNormalClosure, reason)
				return
			case <-tick.C:
				if c.box.empty() {
					c.Kill(websocket.StatusNormalClosure, reason)
					return
				}
			}
		}
	}()
}

// Kill closes the connection once; safe from any goroutine.
func (c *Conn) Kill(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.closed)
		c.box.close()
		_ = c.ws.Close(code, reason)
		metrics.SessionsConnected.Dec()
	})
}

// Closed reports whether Kill has run.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
