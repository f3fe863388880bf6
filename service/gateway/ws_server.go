package gateway

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ripcord-app/gateway/logger"
	"github.com/ripcord-app/gateway/tools/ids"
)

const maxFrameBytes = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the connection's read loop until
// the peer goes away or the gateway closes it.
func (s *Server) HandleWS(g *gin.Context) {
	ws, err := upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	now := time.Now()
	conn := newConn(ids.GenerateString(), ws, now)
	s.reg.Add(conn)

	ws.SetReadLimit(maxFrameBytes)
	go conn.writePump(s.conf.Registry.HeartbeatInterval)

	conn.SendControl(controlFrame(OpHello, HelloPayload{
		ConnID:              conn.ID,
		HeartbeatIntervalMS: s.conf.Registry.HeartbeatInterval.Milliseconds(),
	}))

	ctx := g.Request.Context()
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s user=%s", conn.ID, conn.UserID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", conn.ID, rerr)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", conn.ID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			// malformed payloads keep the connection open
			conn.SendControl(errorFrame(ErrCodeBadPayload, "malformed frame", nil))
			continue
		}

		s.disp.Dispatch(ctx, conn, frame)

		if conn.closed() {
			break
		}
	}

	conn.Close(websocket.CloseNormalClosure, "")
	if removed := s.reg.Remove(conn.ID); removed != nil {
		s.afterRemove(removed)
	}
}

// HandleHealthz reports gateway identity and connection counts.
func (s *Server) HandleHealthz(g *gin.Context) {
	total, authed := s.reg.ConnCount()
	g.JSON(http.StatusOK, gin.H{
		"gateway_id":    s.gatewayID,
		"connections":   total,
		"authenticated": authed,
	})
}
