package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tasksync/api/internal/auth"
	"tasksync/api/internal/logging"
	"tasksync/api/internal/ratelimit"
	"tasksync/api/internal/search"
)

const maxBodyBytes = 10 << 10

type HTTPServer struct {
	service     *Service
	corsOrigin  string
	logger      *slog.Logger
	realtime    http.Handler
	connections func() int
	metrics     http.Handler
	authLimiter *ratelimit.Keyed
	apiLimiter  *ratelimit.Keyed
	started     time.Time
}

type ServerOption func(*HTTPServer)

// WithRealtime mounts the WebSocket gateway on /ws. connections feeds the
// health endpoints.
func WithRealtime(handler http.Handler, connections func() int) ServerOption {
	return func(s *HTTPServer) {
		s.realtime = handler
		s.connections = connections
	}
}

func WithMetricsHandler(handler http.Handler) ServerOption {
	return func(s *HTTPServer) { s.metrics = handler }
}

// WithRateLimits caps requests per client address. Non-positive values
// leave that class of route unlimited.
func WithRateLimits(authPerMinute, apiPerMinute int) ServerOption {
	return func(s *HTTPServer) {
		if authPerMinute > 0 {
			s.authLimiter = ratelimit.NewKeyed(authPerMinute, authPerMinute, time.Minute)
		}
		if apiPerMinute > 0 {
			s.apiLimiter = ratelimit.NewKeyed(apiPerMinute, apiPerMinute, time.Minute)
		}
	}
}

func WithHTTPLogger(logger *slog.Logger) ServerOption {
	return func(s *HTTPServer) { s.logger = logging.Component(logger, "http") }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logging.Component(nil, "http"),
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead

	if isRead && (r.URL.Path == "/health" || r.URL.Path == "/api/health") {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":          true,
			"status":      "ok",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"uptime":      time.Since(s.started).Seconds(),
			"connections": s.connectionCount(),
		})
		return
	}

	if isRead && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":          status == "ready",
			"status":      status,
			"checks":      checks,
			"connections": s.connectionCount(),
		})
		return
	}

	if isRead && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/ws" && s.realtime != nil {
		s.realtime.ServeHTTP(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/") {
		key := clientAddr(r)
		if s.apiLimiter != nil && !s.apiLimiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests, please try again later", nil)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/auth/") && s.authLimiter != nil && !s.authLimiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many authentication attempts, please try again later", nil)
			return
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleAuth(w, r, http.StatusCreated, "User created successfully", s.service.SignUp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleAuth(w, r, http.StatusOK, "Login successful", s.service.SignIn)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Refresh token invalid", nil)
				return
			}
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session, ""))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user":          map[string]any{"id": session.UserID, "email": session.Email, "role": session.Role},
		})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "tasks" {
		s.handleTaskCollection(w, r)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "tasks" && parts[2] == "search" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleTaskSearch(w, r)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "tasks" {
		s.handleTask(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "tasks" && parts[3] == "lock" {
		s.handleTaskLock(w, r, parts[2])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "admin" {
		s.handleAdmin(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("Route %s not found", r.URL.Path), nil)
}

func (s *HTTPServer) handleAuth(
	w http.ResponseWriter,
	r *http.Request,
	successStatus int,
	message string,
	authenticate func(context.Context, string, string) (Session, error),
) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, msg, details := mapError(err)
		writeError(w, status, code, msg, details)
		return
	}
	writeJSON(w, successStatus, sessionPayload(session, message))
}

func sessionPayload(session Session, message string) map[string]any {
	payload := map[string]any{
		"success":      true,
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
		"user": map[string]any{
			"id":    session.UserID,
			"email": session.Email,
			"role":  session.Role,
		},
	}
	if message != "" {
		payload["message"] = message
	}
	return payload
}

func (s *HTTPServer) handleTaskCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		query, err := parseListQuery(r)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		page, err := s.service.ListTasks(r.Context(), query)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	if r.Method == http.MethodPost {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := s.service.CreateTask(r.Context(), ActorFor(session, ""), body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleTaskSearch(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := search.Query{
		Text:     values.Get("q"),
		Priority: values.Get("priority"),
	}
	var err error
	if q.Completed, err = parseOptionalBool(values.Get("completed"), "completed"); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if raw := values.Get("limit"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil || limit < 1 || limit > maxPageLimit {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "Limit must be between 1 and 100", map[string]any{"field": "limit"})
			return
		}
		q.Limit = limit
	}
	resp, err := s.service.SearchTasks(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method == http.MethodGet {
		task, err := s.service.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if r.Method == http.MethodPut {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			ClientID string `json:"clientId"`
			TaskInput
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := s.service.UpdateTask(r.Context(), ActorFor(session, body.ClientID), taskID, body.TaskInput)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if r.Method == http.MethodDelete {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		clientID := r.URL.Query().Get("clientId")
		task, err := s.service.DeleteTask(r.Context(), ActorFor(session, clientID), taskID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Task deleted successfully", "task": task})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleTaskLock(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method == http.MethodGet {
		actor := Actor{ClientID: r.URL.Query().Get("clientId")}
		status, err := s.service.LockStatus(r.Context(), actor, taskID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		ClientID string `json:"clientId"`
	}
	if r.Method == http.MethodPost || r.Method == http.MethodDelete {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.ClientID == "" {
			body.ClientID = r.URL.Query().Get("clientId")
		}
	}
	actor := ActorFor(session, body.ClientID)

	switch r.Method {
	case http.MethodPost:
		task, err := s.service.AcquireLock(r.Context(), actor, taskID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		released, err := s.service.ReleaseLock(r.Context(), actor, taskID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": taskID, "released": released})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, parts []string) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	actor := ActorFor(session, "")

	if len(parts) == 4 && parts[2] == "locks" && parts[3] == "sweep" && r.Method == http.MethodPost {
		count, err := s.service.SweepAs(r.Context(), actor)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"swept": count})
		return
	}

	if len(parts) == 5 && parts[2] == "tasks" && parts[4] == "lock" && r.Method == http.MethodDelete {
		released, err := s.service.ForceReleaseLock(r.Context(), actor, parts[3])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": parts[3], "released": released})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) connectionCount() int {
	if s.connections == nil {
		return 0
	}
	return s.connections()
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, CodeServerError, "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", writer.status),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, http.ErrBodyReadAfterClose):
			return nil
		case errors.Is(err, io.EOF):
			return nil
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseListQuery(r *http.Request) (ListQuery, error) {
	values := r.URL.Query()
	q := ListQuery{Priority: values.Get("priority")}
	if raw := values.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return ListQuery{}, validationError("page", "Page must be a positive integer")
		}
		q.Page = page
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxPageLimit {
			return ListQuery{}, validationError("limit", "Limit must be between 1 and 100")
		}
		q.Limit = limit
	}
	completed, err := parseOptionalBool(values.Get("completed"), "completed")
	if err != nil {
		return ListQuery{}, err
	}
	q.Completed = completed
	return q, nil
}

func parseOptionalBool(raw, field string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, validationError(field, "Completed must be a boolean")
	}
	return &value, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Internal Server Error", nil
}
