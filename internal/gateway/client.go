package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tasksync/api/internal/app"
	"tasksync/api/internal/rbac"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024
	sendQueueSize  = 64
)

// Client is one realtime connection. clientID is the correlation id the
// connection presented (or was assigned) and the default lock identity for
// its events.
type Client struct {
	id       string
	clientID string
	userID   string
	role     rbac.Role
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	logger   *slog.Logger

	// identities is guarded by the hub's mutex.
	identities map[string]struct{}
	inflight   sync.WaitGroup
}

// eventLimiter admits perSecond inbound events with the given burst. A
// non-positive rate disables the limit.
func eventLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func newClient(id, clientID string, session *app.Session, role rbac.Role, conn *websocket.Conn, limiter *rate.Limiter, logger *slog.Logger) *Client {
	c := &Client{
		id:         id,
		clientID:   clientID,
		role:       role,
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		limiter:    limiter,
		identities: make(map[string]struct{}),
	}
	if session != nil {
		c.userID = session.UserID
	}
	c.logger = logger.With(slog.String("conn_id", id), slog.String("client_id", clientID))
	return c
}

// actor resolves the caller of an event. An explicit clientId in the payload
// overrides the connection's correlation id.
func (c *Client) actor(clientID string) app.Actor {
	if clientID = strings.TrimSpace(clientID); clientID == "" {
		clientID = c.clientID
	}
	return app.Actor{ClientID: clientID, UserID: c.userID, Role: c.role}
}

// readPump reads frames until the socket fails and dispatches each event on
// its own goroutine. Callers wait on inflight before cleaning up.
func (c *Client) readPump(ctx context.Context, dispatch func(context.Context, *Client, inbound), reject func(*Client, ErrorNotice)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read failed", slog.Any("error", err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			reject(c, ErrorNotice{Code: app.CodeValidation, Message: "Malformed event"})
			continue
		}
		if !c.limiter.Allow() {
			reject(c, ErrorNotice{Code: app.CodeRateLimited, Message: "Too many events, slow down"})
			continue
		}

		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			dispatch(ctx, c, msg)
		}()
	}
}

// writePump drains the send queue onto the socket and keeps it alive with
// pings. A closed queue means the hub dropped the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
