package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tasksync/api/internal/app"
	"tasksync/api/internal/config"
	"tasksync/api/internal/logging"
	"tasksync/api/internal/rbac"
	"tasksync/api/internal/store"
)

type testServer struct {
	svc   *app.Service
	gw    *Gateway
	srv   *httptest.Server
	store *store.MemoryStore
}

func testConfig() config.Config {
	return config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, RefreshTTL: time.Hour}
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	mem := store.NewMemoryStore()
	return newTestServerWith(t, mem, NewLocalFanout(), opts...)
}

func newTestServerWith(t *testing.T, mem *store.MemoryStore, fanout Fanout, opts ...Option) *testServer {
	t.Helper()
	svc := app.New(testConfig(), mem, app.WithLogger(logging.Nop()))
	gw := New(svc, fanout, append([]Option{WithLogger(logging.Nop())}, opts...)...)
	svc.SetPublisher(gw)
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
		srv.Close()
	})
	return &testServer{svc: svc, gw: gw, srv: srv, store: mem}
}

func (ts *testServer) seedTask(t *testing.T, title string) app.TaskView {
	t.Helper()
	task, err := ts.svc.CreateTask(context.Background(), app.Actor{ClientID: "seed", Role: rbac.RoleMember}, app.TaskInput{Title: &title})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

type testConn struct {
	conn   *websocket.Conn
	frames chan Frame
}

func (ts *testServer) dial(t *testing.T, params url.Values) *testConn {
	t.Helper()
	want := ts.gw.Count() + 1
	endpoint := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?" + params.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tc := &testConn{conn: conn, frames: make(chan Frame, 128)}
	go func() {
		defer close(tc.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err == nil {
				tc.frames <- f
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for ts.gw.Count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("connection was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return tc
}

func clientParams(clientID string) url.Values {
	return url.Values{"clientId": {clientID}}
}

func (tc *testConn) emit(t *testing.T, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := tc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next returns the first frame of the given event that satisfies match,
// skipping everything before it.
func (tc *testConn) next(t *testing.T, event string, match func(map[string]any) bool) (Frame, map[string]any) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-tc.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", event)
			}
			if f.Event != event {
				continue
			}
			var data map[string]any
			_ = json.Unmarshal(f.Data, &data)
			if match == nil || match(data) {
				return f, data
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// none fails if a frame of the given event arrives within wait.
func (tc *testConn) none(t *testing.T, event string, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case f, ok := <-tc.frames:
			if !ok {
				return
			}
			if f.Event == event {
				t.Fatalf("unexpected %s frame: %s", event, f.Data)
			}
		case <-timeout:
			return
		}
	}
}

func TestEditLockScenario(t *testing.T) {
	ts := newTestServer(t)
	task := ts.seedTask(t, "Write report")

	x := ts.dial(t, clientParams("X"))
	y := ts.dial(t, clientParams("Y"))

	x.emit(t, eventLock, map[string]any{"id": task.ID})
	lockedFrame, locked := x.next(t, app.EventTaskLocked, nil)
	if locked["id"] != task.ID || locked["holder"] != "X" {
		t.Fatalf("unexpected locked notice %v", locked)
	}
	if _, seen := y.next(t, app.EventTaskLocked, nil); seen["holder"] != "X" {
		t.Fatalf("Y should learn X holds the lock, got %v", seen)
	}

	y.emit(t, eventUpdate, map[string]any{"id": task.ID, "updateData": map[string]any{"title": "hijack"}})
	_, conflict := y.next(t, EventError, nil)
	if conflict["code"] != app.CodeLockConflict || conflict["lockedBy"] != "X" || conflict["taskId"] != task.ID {
		t.Fatalf("unexpected conflict notice %v", conflict)
	}
	if conflict["message"] != "Task is being edited by another user" {
		t.Fatalf("unexpected conflict message %v", conflict["message"])
	}
	x.none(t, EventError, 150*time.Millisecond)

	y.emit(t, eventLock, map[string]any{"id": task.ID})
	_, failed := y.next(t, EventLockFailed, nil)
	if failed["holder"] != "X" || failed["message"] != "Task is already being edited" {
		t.Fatalf("unexpected lock-failed notice %v", failed)
	}

	x.emit(t, eventUpdate, map[string]any{"id": task.ID, "updateData": map[string]any{"title": "Final report"}})
	for _, c := range []*testConn{x, y} {
		frame, updated := c.next(t, app.EventTaskUpdated, nil)
		if updated["title"] != "Final report" {
			t.Fatalf("unexpected update %v", updated)
		}
		if frame.Version <= lockedFrame.Version {
			t.Fatalf("update version %d should follow lock version %d", frame.Version, lockedFrame.Version)
		}
	}

	_ = x.conn.Close()
	_, released := y.next(t, app.EventLocksReleased, nil)
	if released["clientId"] != "X" || released["count"] != float64(1) {
		t.Fatalf("unexpected release notice %v", released)
	}

	stored, err := ts.svc.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.LockHolder != nil || stored.Title != "Final report" {
		t.Fatalf("expected unlocked task with X's edit, got %+v", stored)
	}
}

func TestDeleteAndUnlockBroadcasts(t *testing.T) {
	ts := newTestServer(t)
	task := ts.seedTask(t, "Ephemeral")

	x := ts.dial(t, clientParams("X"))
	y := ts.dial(t, clientParams("Y"))

	x.emit(t, eventUnlock, map[string]any{"id": task.ID})
	if _, unlocked := y.next(t, app.EventTaskUnlocked, nil); unlocked["id"] != task.ID {
		t.Fatalf("unlock of an unlocked task still broadcasts, got %v", unlocked)
	}

	x.emit(t, eventLock, map[string]any{"id": task.ID})
	y.next(t, app.EventTaskLocked, nil)

	y.emit(t, eventDelete, map[string]any{"id": task.ID})
	_, conflict := y.next(t, EventError, nil)
	if conflict["message"] != "Cannot delete task being edited by another user" || conflict["lockedBy"] != "X" {
		t.Fatalf("unexpected delete conflict %v", conflict)
	}

	x.emit(t, eventDelete, map[string]any{"id": task.ID})
	if _, deleted := y.next(t, app.EventTaskDeleted, nil); deleted["id"] != task.ID {
		t.Fatalf("unexpected delete notice %v", deleted)
	}

	y.emit(t, eventUpdate, map[string]any{"id": task.ID, "updateData": map[string]any{"completed": true}})
	_, missing := y.next(t, EventError, func(d map[string]any) bool { return d["code"] == app.CodeNotFound })
	if missing["message"] != "Task not found" || missing["taskId"] != task.ID {
		t.Fatalf("unexpected not-found notice %v", missing)
	}
}

func TestLockOnMissingTaskReportsLockFailed(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, clientParams("X"))

	c.emit(t, eventLock, map[string]any{"id": "tsk_missing"})
	// The error notice is sent first, then task:lock-failed.
	if _, notice := c.next(t, EventError, nil); notice["code"] != app.CodeNotFound {
		t.Fatalf("unexpected error notice %v", notice)
	}
	_, failed := c.next(t, EventLockFailed, nil)
	if failed["id"] != "tsk_missing" || failed["message"] != "Task not found" {
		t.Fatalf("unexpected lock-failed notice %v", failed)
	}
	if _, hasHolder := failed["holder"]; hasHolder {
		t.Fatalf("a missing task has no holder, got %v", failed)
	}
}

func TestCreateBroadcastsToEveryone(t *testing.T) {
	ts := newTestServer(t)
	session, err := ts.svc.SignUp(context.Background(), "maker@example.com", "Password1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	author := ts.dial(t, url.Values{"clientId": {"A"}, "token": {session.Token}})
	watcher := ts.dial(t, clientParams("W"))

	author.emit(t, eventCreate, map[string]any{"title": "Plan sprint", "priority": "high"})
	for _, c := range []*testConn{author, watcher} {
		_, created := c.next(t, app.EventTaskCreated, nil)
		if created["title"] != "Plan sprint" || created["priority"] != "high" || created["createdBy"] != session.UserID {
			t.Fatalf("unexpected created notice %v", created)
		}
	}

	author.emit(t, eventCreate, map[string]any{"title": "   "})
	_, invalid := author.next(t, EventError, nil)
	if invalid["code"] != app.CodeValidation {
		t.Fatalf("expected validation error, got %v", invalid)
	}
	watcher.none(t, EventError, 100*time.Millisecond)
}

func TestAnonymousEditsCanBeDisabled(t *testing.T) {
	ts := newTestServer(t, WithAnonymousEdits(false))
	session, err := ts.svc.SignUp(context.Background(), "member@example.com", "Password1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	anon := ts.dial(t, clientParams("anon"))
	anon.emit(t, eventCreate, map[string]any{"title": "nope"})
	if _, denied := anon.next(t, EventError, nil); denied["code"] != app.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", denied)
	}

	// A bad token downgrades the connection instead of refusing it.
	forged := ts.dial(t, url.Values{"clientId": {"forged"}, "token": {"not-a-jwt"}})
	forged.emit(t, eventCreate, map[string]any{"title": "nope"})
	if _, denied := forged.next(t, EventError, nil); denied["code"] != app.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", denied)
	}

	member := ts.dial(t, url.Values{"clientId": {"m"}, "token": {session.Token}})
	member.emit(t, eventCreate, map[string]any{"title": "allowed"})
	member.next(t, app.EventTaskCreated, nil)
}

func TestLocksSurviveWhileAnotherTabIsOpen(t *testing.T) {
	ts := newTestServer(t)
	task := ts.seedTask(t, "Shared")

	tab1 := ts.dial(t, clientParams("X"))
	tab2 := ts.dial(t, clientParams("X"))
	observer := ts.dial(t, clientParams("O"))

	tab1.emit(t, eventLock, map[string]any{"id": task.ID})
	observer.next(t, app.EventTaskLocked, nil)

	_ = tab1.conn.Close()
	observer.none(t, app.EventLocksReleased, 200*time.Millisecond)

	status, err := ts.svc.LockStatus(context.Background(), app.Actor{ClientID: "O"}, task.ID)
	if err != nil {
		t.Fatalf("lock status: %v", err)
	}
	if !status.Locked || status.Holder != "X" {
		t.Fatalf("lock should survive while tab2 is open, got %+v", status)
	}

	_ = tab2.conn.Close()
	if _, released := observer.next(t, app.EventLocksReleased, nil); released["count"] != float64(1) {
		t.Fatalf("unexpected release notice %v", released)
	}
}

func TestPayloadClientIDLocksAreReleasedOnDisconnect(t *testing.T) {
	ts := newTestServer(t)
	task := ts.seedTask(t, "Explicit identity")

	x := ts.dial(t, clientParams("conn-x"))
	observer := ts.dial(t, clientParams("O"))

	x.emit(t, eventLock, map[string]any{"id": task.ID, "clientId": "editor-1"})
	if _, locked := observer.next(t, app.EventTaskLocked, nil); locked["holder"] != "editor-1" {
		t.Fatalf("expected payload client id as holder, got %v", locked)
	}

	_ = x.conn.Close()
	if _, released := observer.next(t, app.EventLocksReleased, nil); released["clientId"] != "editor-1" {
		t.Fatalf("unexpected release notice %v", released)
	}
}

func TestGeneratedCorrelationID(t *testing.T) {
	ts := newTestServer(t)
	task := ts.seedTask(t, "No id")

	c := ts.dial(t, url.Values{})
	c.emit(t, eventLock, map[string]any{"id": task.ID})
	_, locked := c.next(t, app.EventTaskLocked, nil)
	holder, _ := locked["holder"].(string)
	if !strings.HasPrefix(holder, "conn_") {
		t.Fatalf("expected generated correlation id, got %q", holder)
	}
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, clientParams("X"))

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, notice := c.next(t, EventError, nil); notice["message"] != "Malformed event" {
		t.Fatalf("unexpected notice %v", notice)
	}

	c.emit(t, "task:explode", map[string]any{})
	if _, notice := c.next(t, EventError, nil); notice["message"] != "Unknown event task:explode" {
		t.Fatalf("unexpected notice %v", notice)
	}

	c.emit(t, eventLock, map[string]any{})
	if _, notice := c.next(t, EventError, nil); notice["message"] != msgTaskIDRequired || notice["code"] != app.CodeValidation {
		t.Fatalf("unexpected notice %v", notice)
	}
}

func TestEventFloodIsRateLimited(t *testing.T) {
	ts := newTestServer(t, WithEventRate(1, 1))
	c := ts.dial(t, clientParams("X"))

	for i := 0; i < 5; i++ {
		c.emit(t, eventLock, map[string]any{"id": "tsk_missing"})
	}
	c.next(t, EventError, func(d map[string]any) bool { return d["code"] == app.CodeRateLimited })
}

func TestSendToUser(t *testing.T) {
	ts := newTestServer(t)
	session, err := ts.svc.SignUp(context.Background(), "target@example.com", "Password1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	target := ts.dial(t, url.Values{"clientId": {"T"}, "token": {session.Token}})
	other := ts.dial(t, clientParams("O"))

	ts.gw.SendToUser(context.Background(), session.UserID, "notice", map[string]string{"text": "hi"})
	if _, data := target.next(t, "notice", nil); data["text"] != "hi" {
		t.Fatalf("unexpected notice %v", data)
	}
	other.none(t, "notice", 150*time.Millisecond)
}

func TestCloseReleasesLocks(t *testing.T) {
	ts := newTestServer(t)
	task := ts.seedTask(t, "Shutdown")

	x := ts.dial(t, clientParams("X"))
	x.emit(t, eventLock, map[string]any{"id": task.ID})
	x.next(t, app.EventTaskLocked, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.gw.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	stored, err := ts.svc.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.LockHolder != nil {
		t.Fatalf("expected lock released on shutdown, got holder %v", *stored.LockHolder)
	}
	if ts.gw.Count() != 0 {
		t.Fatalf("expected no connections after close")
	}
}
