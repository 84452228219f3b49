// Package gateway is the realtime surface: WebSocket clients send task
// events, and every committed write is broadcast back to all of them.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tasksync/api/internal/app"
	"tasksync/api/internal/logging"
	"tasksync/api/internal/metrics"
	"tasksync/api/internal/rbac"
)

type taskService interface {
	SessionFromToken(ctx context.Context, token string) (app.Session, error)
	CreateTask(ctx context.Context, actor app.Actor, input app.TaskInput) (app.TaskView, error)
	UpdateTask(ctx context.Context, actor app.Actor, id string, input app.TaskInput) (app.TaskView, error)
	DeleteTask(ctx context.Context, actor app.Actor, id string) (app.TaskView, error)
	AcquireLock(ctx context.Context, actor app.Actor, id string) (app.TaskView, error)
	ReleaseLock(ctx context.Context, actor app.Actor, id string) (bool, error)
	ReleaseAllLocksBy(ctx context.Context, clientID string) (int, error)
}

// Gateway accepts WebSocket connections and publishes broadcasts to them.
// It implements app.Publisher.
type Gateway struct {
	service  taskService
	hub      *Hub
	fanout   Fanout
	upgrader websocket.Upgrader
	logger   *slog.Logger

	eventsPerSecond     float64
	eventBurst          int
	allowAnonymousEdits bool
	handlerTimeout      time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
}

type Option func(*Gateway)

// WithEventRate bounds inbound events per connection.
func WithEventRate(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		g.eventsPerSecond = perSecond
		g.eventBurst = burst
	}
}

// WithAnonymousEdits lets connections without a valid token act as members.
func WithAnonymousEdits(allow bool) Option {
	return func(g *Gateway) {
		g.allowAnonymousEdits = allow
	}
}

// WithAllowedOrigin restricts the Origin header accepted on upgrade. "*" or
// empty accepts any origin.
func WithAllowedOrigin(origin string) Option {
	return func(g *Gateway) {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			g.upgrader.CheckOrigin = func(*http.Request) bool { return true }
			return
		}
		g.upgrader.CheckOrigin = func(r *http.Request) bool {
			got := r.Header.Get("Origin")
			return got == "" || got == origin
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logging.Component(logger, "gateway")
	}
}

func New(service taskService, fanout Fanout, opts ...Option) *Gateway {
	if fanout == nil {
		fanout = NewLocalFanout()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		service: service,
		fanout:  fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:              logging.Component(nil, "gateway"),
		eventsPerSecond:     20,
		eventBurst:          40,
		allowAnonymousEdits: true,
		handlerTimeout:      10 * time.Second,
		baseCtx:             ctx,
		cancel:              cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.hub = NewHub(g.logger)
	return g
}

// Start begins receiving broadcasts from the fan-out.
func (g *Gateway) Start(ctx context.Context) error {
	return g.fanout.Start(ctx, g.hub.Deliver)
}

// Publish implements app.Publisher. When the fan-out is unavailable the
// event is still delivered to this instance's clients.
func (g *Gateway) Publish(ctx context.Context, evt app.Event) {
	metrics.Broadcasts.WithLabelValues(evt.Name).Inc()
	if err := g.fanout.Publish(ctx, evt); err != nil {
		g.logger.Warn("fan-out publish failed, delivering locally",
			slog.String("event", evt.Name),
			slog.String("task_id", evt.TaskID),
			slog.Any("error", err))
		g.hub.Deliver(evt)
	}
}

// SendToUser delivers an event to every connection of one user, on any
// instance.
func (g *Gateway) SendToUser(ctx context.Context, userID, event string, data any) {
	if userID == "" {
		return
	}
	g.Publish(ctx, app.Event{Name: event, UserID: userID, Payload: data})
}

// Count is the number of connections open on this instance.
func (g *Gateway) Count() int {
	return g.hub.Count()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := strings.TrimSpace(query.Get("clientId"))
	if clientID == "" {
		clientID = "conn_" + uuid.NewString()
	}
	session := g.authenticate(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", slog.Any("error", err))
		return
	}

	role := rbac.RoleAnonymous
	if session != nil {
		role = rbac.Normalize(session.Role)
	} else if g.allowAnonymousEdits {
		role = rbac.RoleMember
	}
	c := newClient(uuid.NewString(), clientID, session, role, conn, eventLimiter(g.eventsPerSecond, g.eventBurst), g.logger)

	g.conns.Add(1)
	defer g.conns.Done()

	g.hub.register(c)
	metrics.Connections.Inc()
	c.logger.Info("client connected", slog.Bool("authenticated", session != nil), slog.String("role", string(role)))

	go c.writePump()
	c.readPump(g.baseCtx, g.dispatch, g.reject)

	// Handlers still running may take locks; release only after they finish.
	c.inflight.Wait()
	orphaned := g.hub.unregister(c)
	metrics.Connections.Dec()
	c.logger.Info("client disconnected")

	for _, identity := range orphaned {
		g.releaseOrphaned(c, identity)
	}
}

// authenticate returns the session for a valid token, or nil. A bad token
// downgrades the connection instead of refusing it.
func (g *Gateway) authenticate(r *http.Request) *app.Session {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if token == "" {
		return nil
	}
	session, err := g.service.SessionFromToken(r.Context(), token)
	if err != nil {
		g.logger.Warn("socket auth failed", slog.Any("error", err))
		return nil
	}
	return &session
}

func (g *Gateway) releaseOrphaned(c *Client, identity string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.baseCtx), g.handlerTimeout)
	defer cancel()
	count, err := g.service.ReleaseAllLocksBy(ctx, identity)
	if err != nil {
		c.logger.Error("failed to release locks", slog.String("identity", identity), slog.Any("error", err))
		return
	}
	if count > 0 {
		c.logger.Info("released orphaned locks", slog.String("identity", identity), slog.Int("count", count))
	}
}

// Close disconnects every client, waits for their lock cleanup and stops the
// fan-out.
func (g *Gateway) Close(ctx context.Context) error {
	g.cancel()
	g.hub.closeAll()

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("gateway close timed out", slog.Any("error", ctx.Err()))
	}
	return g.fanout.Close()
}
