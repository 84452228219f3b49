package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tasksync/api/internal/auth"
	"tasksync/api/internal/authpw"
	"tasksync/api/internal/config"
	"tasksync/api/internal/logging"
	"tasksync/api/internal/rbac"
	"tasksync/api/internal/search"
	"tasksync/api/internal/store"
	"tasksync/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Actor is the caller of a task operation. ClientID is the lock requester
// identity; UserID is empty for unauthenticated realtime clients.
type Actor struct {
	ClientID string
	UserID   string
	Role     rbac.Role
}

// requester resolves the lock identity. Authenticated callers without a
// client id act as "user:<id>".
func (a Actor) requester() string {
	if id := strings.TrimSpace(a.ClientID); id != "" {
		return id
	}
	if a.UserID != "" {
		return "user:" + a.UserID
	}
	return ""
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

// DataStore is the persistence the service runs on; store.PostgresStore and
// store.MemoryStore implement it.
type DataStore interface {
	sessionStore
	CreateTask(context.Context, store.Task) (store.Task, error)
	GetTask(context.Context, string) (store.Task, error)
	ListTasks(context.Context, store.TaskFilter, int, int) ([]store.Task, int, error)
	AcquireLock(context.Context, string, string) (store.Task, bool, error)
	ReleaseLock(context.Context, string, string) (store.Task, bool, error)
	UpdateTask(context.Context, string, store.TaskPatch, string) (store.Task, bool, error)
	DeleteTask(context.Context, string, string) (store.Task, bool, error)
	ReleaseAllLocksBy(context.Context, string) ([]string, error)
	SweepStaleLocks(context.Context) ([]store.Task, error)
	LockStatus(context.Context, string, string) (store.LockStatus, error)
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	Ping(ctx context.Context) error
}

type taskSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexTask(store.Task)
	DeleteTask(string)
}

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  sessionStore
	passwords *authpw.Service
	search    taskSearch
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithSessionStore moves refresh sessions and token revocation out of the
// primary store (e.g. to Redis).
func WithSessionStore(sessions sessionStore) Option {
	return func(s *Service) {
		if sessions != nil {
			s.sessions = sessions
		}
	}
}

func WithSearch(idx taskSearch) Option {
	return func(s *Service) { s.search = idx }
}

// WithPublisher sets the sink for task events. Without one, events are
// dropped.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.Component(logger, "app") }
}

func New(cfg config.Config, dataStore DataStore, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		passwords: authpw.NewService(dataStore),
		publisher: nopPublisher{},
		logger:    logging.Component(nil, "app"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPublisher wires the publisher after construction; the gateway needs
// the service before it can publish.
func (s *Service) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	s.publisher = p
}

func (s *Service) SignUp(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, classifyAuthError(err)
	}
	s.logger.Info("user registered", slog.String("user_id", user.ID))
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, classifyAuthError(err)
	}
	return s.issueSession(ctx, user)
}

func classifyAuthError(err error) error {
	var validation *authpw.ValidationError
	switch {
	case errors.As(err, &validation):
		return validationError(validation.Field, validation.Message)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, CodeEmailExists, "Email is already registered", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, CodeInvalidCredentials, "Invalid credentials", nil)
	default:
		return serverError("Authentication failed", err)
	}
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	sessionUser, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, sessionUser.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", slog.Any("error", err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", slog.Any("error", err))
		}
	}
	return nil
}

// ActorFor builds the actor for an authenticated session.
func ActorFor(session Session, clientID string) Actor {
	return Actor{ClientID: clientID, UserID: session.UserID, Role: rbac.Normalize(session.Role)}
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// Ping checks the health of the primary store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
