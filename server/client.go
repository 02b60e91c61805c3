package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avolens/roomsync/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 512 * 1024
)

// Client represents a single authenticated WebSocket connection. It is owned
// by the Server; the Room it joined holds only a participant reference.
type Client struct {
	ID          uuid.UUID
	UserID      string
	Username    string
	Role        string
	Color       string
	IP          string
	Permissions []string
	RoomID      room.ID
	ConnectedAt time.Time

	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *messageLimiter
	logger  *slog.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(s *Server, conn *websocket.Conn, ip string) *Client {
	id := uuid.New()
	return &Client{
		ID:          id,
		IP:          ip,
		ConnectedAt: time.Now(),
		server:      s,
		conn:        conn,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		limiter:     newMessageLimiter(s.cfg.RateLimit.MessagesPerSecond),
		logger:      s.logger.With(slog.String("clientID", id.String())),
	}
}

// Send queues a message for delivery. Safe for concurrent use; messages to a
// slow client are dropped rather than blocking the caller.
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendEnvelope(env Envelope) {
	c.Send(env.Encode())
}

func (c *Client) sendError(code, message string) {
	c.sendEnvelope(Envelope{
		Type:  TypeControl,
		Event: EventError,
		Error: &ErrorPayload{Code: code, Message: message},
	})
}

// close asks the write pump to flush queued messages, send a close frame with
// the given status, and tear the connection down. The read pump's cleanup
// runs as a consequence.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// closed reports whether a close has been requested for this connection.
func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump reads messages from the WebSocket and hands them to the server.
// Its deferred cleanup is the single disconnect path and runs unconditionally.
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				c.logger.Warn("read error", slog.Any("error", err))
			}
			return
		}
		c.server.handleMessage(c, data)
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush anything already queued (a final error envelope, say),
			// then say goodbye.
			for {
				select {
				case data := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
					return
				}
			}
		}
	}
}
