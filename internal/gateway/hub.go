package gateway

import (
	"log/slog"
	"sync"
	"time"

	"tasksync/api/internal/app"
	"tasksync/api/internal/lock"
	"tasksync/api/internal/metrics"
)

const (
	groupTasks         = "tasks"
	groupAuthenticated = "authenticated"
	userGroupPrefix    = "user:"
)

// versionRetention bounds how long a delivered version is remembered. A
// broadcast can only lose a race to a write committed while its own handler
// was still running, which is far shorter than this.
const versionRetention = lock.Timeout + time.Minute

type deliveredVersion struct {
	version int64
	seen    time.Time
}

func userGroup(userID string) string {
	return userGroupPrefix + userID
}

// Hub tracks live connections and delivers broadcasts to them. It also keeps
// the last delivered version of every record so a broadcast that lost a race
// with a newer write to the same record is dropped instead of regressing
// clients. Remembered versions expire after versionRetention.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	groups  map[string]map[*Client]struct{}
	// identities counts live connections per lock identity.
	identities map[string]int
	versions   map[string]deliveredVersion
	lastPrune  time.Time
	now        func() time.Time
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		groups:     make(map[string]map[*Client]struct{}),
		identities: make(map[string]int),
		versions:   make(map[string]deliveredVersion),
		now:        time.Now,
		logger:     logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	h.joinLocked(c, groupTasks)
	if c.userID != "" {
		h.joinLocked(c, groupAuthenticated)
		h.joinLocked(c, userGroup(c.userID))
	}
	h.claimLocked(c, c.clientID)
}

// claim records that c has acted as identity, so the locks of that identity
// survive until the last connection using it goes away. A client already
// dropped from delivery still claims; its unregister reports the identity.
func (h *Hub) claim(c *Client, identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimLocked(c, identity)
}

func (h *Hub) claimLocked(c *Client, identity string) {
	if identity == "" {
		return
	}
	if _, ok := c.identities[identity]; ok {
		return
	}
	c.identities[identity] = struct{}{}
	h.identities[identity]++
}

// unregister removes c and returns the identities no other live connection
// still uses.
func (h *Hub) unregister(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(c)

	var orphaned []string
	for identity := range c.identities {
		h.identities[identity]--
		if h.identities[identity] <= 0 {
			delete(h.identities, identity)
			orphaned = append(orphaned, identity)
		}
	}
	c.identities = map[string]struct{}{}
	return orphaned
}

// dropLocked detaches c from every group and closes its send queue. It is
// safe to call more than once.
func (h *Hub) dropLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for name, members := range h.groups {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
	close(c.send)
}

func (h *Hub) joinLocked(c *Client, group string) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
}

// Deliver hands evt to every local member of its audience. Events addressed
// to a user go to that user's connections only.
func (h *Hub) Deliver(evt app.Event) {
	frame, err := encodeFrame(evt.Name, evt.Version, evt.Payload)
	if err != nil {
		h.logger.Error("encode broadcast", slog.String("event", evt.Name), slog.Any("error", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.pruneLocked(now)
	if evt.TaskID != "" && evt.Version > 0 {
		if last, ok := h.versions[evt.TaskID]; ok && evt.Version <= last.version {
			metrics.DroppedBroadcasts.Inc()
			h.logger.Debug("superseded broadcast dropped",
				slog.String("event", evt.Name),
				slog.String("task_id", evt.TaskID),
				slog.Int64("version", evt.Version),
				slog.Int64("delivered", last.version))
			return
		}
		h.versions[evt.TaskID] = deliveredVersion{version: evt.Version, seen: now}
	}

	group := groupTasks
	if evt.UserID != "" {
		group = userGroup(evt.UserID)
	}
	for c := range h.groups[group] {
		h.enqueueLocked(c, frame)
	}
}

// pruneLocked forgets versions not delivered within versionRetention. It
// scans at most once per half retention.
func (h *Hub) pruneLocked(now time.Time) {
	if now.Sub(h.lastPrune) < versionRetention/2 {
		return
	}
	h.lastPrune = now
	for id, v := range h.versions {
		if now.Sub(v.seen) >= versionRetention {
			delete(h.versions, id)
		}
	}
}

// reply sends a frame to c alone. Replies to a connection that already went
// away are discarded.
func (h *Hub) reply(c *Client, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.enqueueLocked(c, frame)
}

func (h *Hub) enqueueLocked(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("dropping slow client", slog.String("conn_id", c.id), slog.String("client_id", c.clientID))
		h.dropLocked(c)
	}
}

// Count is the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll detaches every connection; their pumps then shut the sockets.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}
