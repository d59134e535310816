package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 1 << 20
	sendBufferSize = 256

	inboundRate  = 20
	inboundBurst = 40
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// WSConn adapts a websocket to Conn. Writes go through a bounded queue
// drained by a single writer goroutine, which keeps frames in order.
type WSConn struct {
	id        string
	sessionID string
	ws        *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSConn(ws *websocket.Conn, sessionID string) *WSConn {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &WSConn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		limiter:   rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		closed:    make(chan struct{}),
	}
}

func (c *WSConn) ID() string        { return c.id }
func (c *WSConn) SessionID() string { return c.sessionID }

func (c *WSConn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Serve pumps frames until the connection ends, then detaches it from h.
// It blocks; call it from the upgrading handler.
func (c *WSConn) Serve(h *Hub) {
	go c.writePump()
	c.readPump(h)
	h.Disconnect(c.id)
	_ = c.Close()
}

func (c *WSConn) readPump(h *Hub) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "user", h.UserID(), "conn", c.id, "err", err)
			}
			return
		}
		if !c.limiter.Allow() {
			slog.Warn("dropping client frame over rate limit", "user", h.UserID(), "conn", c.id)
			continue
		}
		h.HandleFrame(c, data)
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
