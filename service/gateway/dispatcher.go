package gateway

import (
	"context"

	"github.com/ripcord-app/gateway/logger"
)

// HandlerFunc processes one inbound frame for one connection. Handlers run
// on the connection's read goroutine; anything touching shared state goes
// through the Registry or a tracker.
type HandlerFunc func(ctx context.Context, c *Conn, f *Frame)

// Dispatcher routes inbound frames by opcode and enforces the connection
// state machine: before AUTH succeeds, every opcode except AUTH earns an
// ERROR frame but keeps the connection open, because AUTH may legitimately
// still be in flight when an optimistic client fires SUBSCRIBE.
type Dispatcher struct {
	handlers map[Opcode]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Opcode]HandlerFunc)}
}

func (d *Dispatcher) Register(op Opcode, h HandlerFunc) { d.handlers[op] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, f *Frame) {
	h, ok := d.handlers[f.Op]
	if !ok {
		logger.Infof("[dispatch] no handler op=%d conn=%s", f.Op, c.ID)
		c.SendControl(errorFrame(ErrCodeBadPayload, "unsupported opcode", nil))
		return
	}
	if f.Op != OpAuth && !c.Authenticated {
		c.SendControl(errorFrame(ErrCodeNotAuthenticated, "authenticate first", nil))
		return
	}
	h(ctx, c, f)
}
