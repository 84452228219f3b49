package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"tasksync/api/internal/search"
	"tasksync/api/internal/store"
	"tasksync/api/internal/util"
)

func searchQuery(text string) search.Query {
	return search.Query{Text: text}
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

// sessionFor creates a user directly in the store and signs a session for it.
func sessionFor(t *testing.T, env *testEnv, role string) Session {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("Password1"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user, err := env.store.CreateUser(context.Background(), store.User{
		ID:           util.NewID("usr"),
		Email:        util.NewID("u") + "@example.com",
		PasswordHash: string(hash),
		Role:         role,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	session, err := env.svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/auth/register", "", `{"email":"  Ada@Example.com ","password":"Sup3rsecret"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	user, _ := payload["user"].(map[string]any)
	if payload["message"] != "User created successfully" || user["email"] != "ada@example.com" || user["role"] != "member" {
		t.Fatalf("unexpected register payload: %v", payload)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/auth/register", "", `{"email":"ada@example.com","password":"Sup3rsecret"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", rr.Code)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/login", "", `{"email":"ada@example.com","password":"Sup3rsecret"}`)
	if rr.Code != http.StatusOK || payload["message"] != "Login successful" {
		t.Fatalf("login: %d %v", rr.Code, payload)
	}
	token, _ := payload["token"].(string)
	refresh, _ := payload["refreshToken"].(string)

	_, payload = doJSON(t, handler, http.MethodGet, "/api/session", token, "")
	if payload["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/refresh", "", `{"refreshToken":"`+refresh+`"}`)
	if rr.Code != http.StatusOK || payload["token"] == "" {
		t.Fatalf("refresh: %d %v", rr.Code, payload)
	}
	rr, _ = doJSON(t, handler, http.MethodPost, "/api/auth/refresh", "", `{"refreshToken":"`+refresh+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: expected 401, got %d", rr.Code)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/auth/logout", token, `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d", rr.Code)
	}
	_, payload = doJSON(t, handler, http.MethodGet, "/api/session", token, "")
	if payload["authenticated"] != false {
		t.Fatalf("revoked token still authenticates: %v", payload)
	}
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/auth/register", "", `{"email":"bob@example.com","password":"short"}`)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != CodeValidation {
		t.Fatalf("weak password: %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/login", "", `{"email":"nobody@example.com","password":"Whatever1"}`)
	if rr.Code != http.StatusUnauthorized || payload["error"] != "Invalid credentials" {
		t.Fatalf("unknown user: %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/auth/login", "", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad body: expected 400, got %d", rr.Code)
	}
}

func TestTaskMutationsRequireSession(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/tasks"},
		{http.MethodPut, "/api/tasks/task_1"},
		{http.MethodDelete, "/api/tasks/task_1"},
		{http.MethodPost, "/api/tasks/task_1/lock"},
		{http.MethodDelete, "/api/tasks/task_1/lock"},
	} {
		rr, _ := doJSON(t, handler, tc.method, tc.path, "", `{}`)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
	rr, _ := doJSON(t, handler, http.MethodPost, "/api/tasks", "not-a-jwt", `{"title":"x"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rr.Code)
	}
}

func TestTaskLockLifecycleOverREST(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	alice := sessionFor(t, env, "member")
	bob := sessionFor(t, env, "member")

	rr, created := doJSON(t, handler, http.MethodPost, "/api/tasks", alice.Token, `{"title":"Quarterly plan","priority":"high","dueDate":"2026-04-01"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	id, _ := created["id"].(string)
	if created["priority"] != "high" || created["createdBy"] != alice.UserID {
		t.Fatalf("unexpected created task: %v", created)
	}

	rr, locked := doJSON(t, handler, http.MethodPost, "/api/tasks/"+id+"/lock", alice.Token, `{"clientId":"tab-a"}`)
	if rr.Code != http.StatusOK || locked["lockHolder"] != "tab-a" {
		t.Fatalf("lock: %d %v", rr.Code, locked)
	}

	rr, payload := doJSON(t, handler, http.MethodPut, "/api/tasks/"+id, bob.Token, `{"clientId":"tab-b","title":"Hijacked"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("conflicting update: expected 409, got %d", rr.Code)
	}
	details, _ := payload["details"].(map[string]any)
	if payload["error"] != "Task is being edited by another user" || details["lockedBy"] != "tab-a" {
		t.Fatalf("unexpected conflict payload: %v", payload)
	}

	rr, payload = doJSON(t, handler, http.MethodDelete, "/api/tasks/"+id+"?clientId=tab-b", bob.Token, "")
	if rr.Code != http.StatusConflict || payload["error"] != "Cannot delete task being edited by another user" {
		t.Fatalf("conflicting delete: %d %v", rr.Code, payload)
	}

	_, status := doJSON(t, handler, http.MethodGet, "/api/tasks/"+id+"/lock?clientId=tab-b", "", "")
	if status["locked"] != true || status["holder"] != "tab-a" {
		t.Fatalf("unexpected lock status: %v", status)
	}

	rr, updated := doJSON(t, handler, http.MethodPut, "/api/tasks/"+id, alice.Token, `{"clientId":"tab-a","completed":true,"dueDate":null}`)
	if rr.Code != http.StatusOK || updated["completed"] != true || updated["dueDate"] != nil || updated["lockHolder"] != "tab-a" {
		t.Fatalf("holder update: %d %v", rr.Code, updated)
	}

	rr, released := doJSON(t, handler, http.MethodDelete, "/api/tasks/"+id+"/lock", alice.Token, `{"clientId":"tab-a"}`)
	if rr.Code != http.StatusOK || released["released"] != true {
		t.Fatalf("release: %d %v", rr.Code, released)
	}

	rr, payload = doJSON(t, handler, http.MethodDelete, "/api/tasks/"+id+"?clientId=tab-b", bob.Token, "")
	if rr.Code != http.StatusOK || payload["message"] != "Task deleted successfully" {
		t.Fatalf("delete after release: %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPut, "/api/tasks/"+id, alice.Token, `{"title":"gone"}`)
	if rr.Code != http.StatusNotFound || payload["error"] != "Task not found" {
		t.Fatalf("update of deleted task: %d %v", rr.Code, payload)
	}
}

func TestRESTLockDefaultsToUserIdentity(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	alice := sessionFor(t, env, "member")
	task := env.seedTask(t, "Shared")

	rr, locked := doJSON(t, handler, http.MethodPost, "/api/tasks/"+task.ID+"/lock", alice.Token, "")
	if rr.Code != http.StatusOK || locked["lockHolder"] != "user:"+alice.UserID {
		t.Fatalf("lock without client id: %d %v", rr.Code, locked)
	}
}

func TestListTasksOverREST(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	env.seedTask(t, "a")
	env.seedTask(t, "b")

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/tasks?page=1&limit=1", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d", rr.Code)
	}
	data, _ := payload["data"].([]any)
	pagination, _ := payload["pagination"].(map[string]any)
	if len(data) != 1 || pagination["total"] != float64(2) || pagination["hasNext"] != true {
		t.Fatalf("unexpected page: %v", payload)
	}

	for _, query := range []string{"page=0", "limit=500", "completed=maybe", "priority=urgent"} {
		rr, _ := doJSON(t, handler, http.MethodGet, "/api/tasks?"+query, "", "")
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", query, rr.Code)
		}
	}
}

func TestSearchOverREST(t *testing.T) {
	env := newTestEnv(t)
	env.svc.search = search.NewService(search.NewScan(env.store))
	handler := NewHTTPServer(env.svc, "*").Handler()
	env.seedTask(t, "Renew certificates")
	env.seedTask(t, "Book venue")

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/tasks/search?q=certif", "", "")
	if rr.Code != http.StatusOK || payload["total"] != float64(1) {
		t.Fatalf("search: %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, handler, http.MethodGet, "/api/tasks/search", "", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty search: expected 422, got %d", rr.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	memberSession := sessionFor(t, env, "member")
	adminSession := sessionFor(t, env, "admin")
	task := env.seedTask(t, "Shared")
	env.svc.AcquireLock(context.Background(), member("X"), task.ID)

	rr, _ := doJSON(t, handler, http.MethodPost, "/api/admin/locks/sweep", memberSession.Token, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("member sweep: expected 403, got %d", rr.Code)
	}

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/admin/locks/sweep", adminSession.Token, "")
	if rr.Code != http.StatusOK || payload["swept"] != float64(0) {
		t.Fatalf("admin sweep: %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodDelete, "/api/admin/tasks/"+task.ID+"/lock", adminSession.Token, "")
	if rr.Code != http.StatusOK || payload["released"] != true {
		t.Fatalf("force unlock: %d %v", rr.Code, payload)
	}
}

func TestAuthRoutesRateLimited(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*", WithRateLimits(2, 0)).Handler()

	var last *httptest.ResponseRecorder
	var payload map[string]any
	for i := 0; i < 3; i++ {
		last, payload = doJSON(t, handler, http.MethodPost, "/api/auth/login", "", `{"email":"x@example.com","password":"Nope12345"}`)
	}
	if last.Code != http.StatusTooManyRequests || payload["code"] != CodeRateLimited {
		t.Fatalf("expected 429 on third attempt, got %d %v", last.Code, payload)
	}

	rr, _ := doJSON(t, handler, http.MethodGet, "/api/tasks", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("non-auth routes must not share the auth budget, got %d", rr.Code)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	alice := sessionFor(t, env, "member")

	body := `{"title":"` + strings.Repeat("x", 11<<10) + `"}`
	rr, _ := doJSON(t, handler, http.MethodPost, "/api/tasks", alice.Token, body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	rr, payload := doJSON(t, handler, http.MethodGet, "/api/nope", "", "")
	if rr.Code != http.StatusNotFound || payload["error"] != "Route /api/nope not found" {
		t.Fatalf("unexpected: %d %v", rr.Code, payload)
	}
}
