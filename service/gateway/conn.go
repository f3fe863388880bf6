package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ripcord-app/gateway/logger"
)

const (
	writeWait      = 10 * time.Second
	sendQueueSize  = 256
	firstPingDelay = 5 * time.Second
)

// Conn is one live client connection. Identity and index fields are owned by
// the Registry and mutated only under its lock; the send queue and sequence
// counter are safe to touch from any goroutine.
type Conn struct {
	ID string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeCode int
	closeText string

	outSeq atomic.Uint64 // incremented once per event frame, control frames skip it

	// Registry-owned state.
	Authenticated bool
	UserID        string
	DeviceID      string
	SessionID     string
	Subscribed    map[string]struct{}
	VoiceJoined   map[string]struct{}

	LastHeartbeat time.Time
	Missed        int
	CreatedAt     time.Time
}

func newConn(id string, ws *websocket.Conn, now time.Time) *Conn {
	return &Conn{
		ID:            id,
		ws:            ws,
		send:          make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
		Subscribed:    make(map[string]struct{}),
		VoiceJoined:   make(map[string]struct{}),
		LastHeartbeat: now,
		CreatedAt:     now,
	}
}

func (c *Conn) nextSeq() uint64 { return c.outSeq.Add(1) }

// enqueue hands a marshalled frame to the write pump. A connection that is
// gone, or one whose queue is full, drops the frame; fan-out never blocks on
// a single slow client.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		// identity fields are registry-owned; only the id is safe to log here
		logger.Warnf("[conn] send queue full, dropping frame conn=%s", c.ID)
		return false
	}
}

// SendControl marshals and queues a control frame (no seq).
func (c *Conn) SendControl(f *Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		logger.Errorf("[conn] marshal control frame conn=%s: %v", c.ID, err)
		return
	}
	c.enqueue(raw)
}

// SendEvent queues an event frame, consuming one sequence number.
func (c *Conn) SendEvent(op Opcode, d interface{}) {
	seq := c.nextSeq()
	f := &Frame{Op: op, D: d, Seq: &seq, Ts: time.Now().UnixMilli(), T: EventName(op)}
	raw, err := json.Marshal(f)
	if err != nil {
		logger.Errorf("[conn] marshal event frame conn=%s op=%d: %v", c.ID, op, err)
		return
	}
	c.enqueue(raw)
}

// Close marks the connection closed with the given websocket close code.
// Idempotent; the write pump delivers the close frame and tears down the
// socket.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump is the single writer for the socket: it drains the send queue,
// emits ping control frames, and on exit sends the close frame and closes
// the underlying connection. gorilla/websocket forbids concurrent writers,
// so every outbound byte funnels through here.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	first := time.NewTimer(firstPingDelay)
	defer func() {
		ticker.Stop()
		first.Stop()
		code := c.closeCode
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, c.closeText))
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			// flush whatever is already queued before closing
			for {
				select {
				case payload := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					return
				}
			}

		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[conn] write err conn=%s err=%v", c.ID, err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-first.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
