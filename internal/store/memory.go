package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tasksync/api/internal/lock"
)

// MemoryStore keeps everything in process. Each method runs under one mutex,
// which gives the same single-step compare-and-set guarantee as the
// conditional statements of PostgresStore. It suits one-instance deployments
// and tests; it is not shared between processes.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	tasks    map[string]Task
	users    map[string]User
	sessions map[string]memorySession
	revoked  map[string]time.Time
}

type memorySession struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mainly for tests that need to age locks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:      time.Now,
		tasks:    make(map[string]Task),
		users:    make(map[string]User),
		sessions: make(map[string]memorySession),
		revoked:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateTask(_ context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return Task{}, fmt.Errorf("insert task: duplicate id %s", task.ID)
	}
	now := s.now()
	task.LockHolder, task.LockAcquiredAt = nil, nil
	task.Version = 1
	task.CreatedAt, task.UpdatedAt = now, now
	s.tasks[task.ID] = cloneTask(task)
	return cloneTask(task), nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, sql.ErrNoRows
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter, limit, offset int) ([]Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Completed != nil && task.Completed != *filter.Completed {
			continue
		}
		if filter.Priority != "" && task.Priority != filter.Priority {
			continue
		}
		matched = append(matched, task)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []Task{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	items := make([]Task, 0, end-offset)
	for _, task := range matched[offset:end] {
		items = append(items, cloneTask(task))
	}
	return items, total, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, id, requester string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	now := s.now()
	if !ok || !lock.IsEditable(task.LockHolder, task.LockAcquiredAt, requester, now) {
		return Task{}, false, nil
	}
	holder := requester
	task.LockHolder, task.LockAcquiredAt = &holder, &now
	task.Version++
	s.tasks[id] = task
	return cloneTask(task), true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, id, requester string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.LockHolder == nil {
		return Task{}, false, nil
	}
	if requester != "" && *task.LockHolder != requester {
		return Task{}, false, nil
	}
	task.LockHolder, task.LockAcquiredAt = nil, nil
	task.Version++
	s.tasks[id] = task
	return cloneTask(task), true, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, patch TaskPatch, requester string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	now := s.now()
	if !ok {
		return Task{}, false, nil
	}
	if requester != "" && !lock.IsEditable(task.LockHolder, task.LockAcquiredAt, requester, now) {
		return Task{}, false, nil
	}

	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Completed != nil {
		task.Completed = *patch.Completed
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.DueDate.Set {
		task.DueDate = cloneTime(patch.DueDate.Value)
	}

	live := task.LockHolder != nil && !lock.IsStale(task.LockAcquiredAt, now)
	switch {
	case live && requester == "":
	case live && *task.LockHolder == requester:
		task.LockAcquiredAt = &now
	default:
		task.LockHolder, task.LockAcquiredAt = nil, nil
	}

	task.Version++
	task.UpdatedAt = now
	s.tasks[id] = task
	return cloneTask(task), true, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id, requester string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, false, nil
	}
	if requester != "" && !lock.IsEditable(task.LockHolder, task.LockAcquiredAt, requester, s.now()) {
		return Task{}, false, nil
	}
	delete(s.tasks, id)
	return cloneTask(task), true, nil
}

func (s *MemoryStore) ReleaseAllLocksBy(_ context.Context, requester string) ([]string, error) {
	if requester == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, task := range s.tasks {
		if task.LockHolder == nil || *task.LockHolder != requester {
			continue
		}
		task.LockHolder, task.LockAcquiredAt = nil, nil
		task.Version++
		s.tasks[id] = task
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SweepStaleLocks(context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	items := make([]Task, 0)
	for id, task := range s.tasks {
		if task.LockHolder == nil || !lock.IsStale(task.LockAcquiredAt, now) {
			continue
		}
		task.LockHolder, task.LockAcquiredAt = nil, nil
		task.Version++
		s.tasks[id] = task
		items = append(items, cloneTask(task))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) LockStatus(_ context.Context, id, requester string) (LockStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return LockStatus{}, nil
	}
	st := lock.StatusFor(task.LockHolder, task.LockAcquiredAt, requester, s.now())
	return LockStatus{Exists: true, Locked: st.Locked, Holder: st.Holder}, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return User{}, ErrEmailTaken
		}
	}
	now := s.now()
	if user.Role == "" {
		user.Role = "member"
	}
	user.CreatedAt, user.UpdatedAt = now, now
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = memorySession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[tokenHash]; ok {
		session.revoked = true
		s.sessions[tokenHash] = session
	}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenHash]
	if !ok || session.revoked || !session.expiresAt.After(s.now()) {
		return User{}, sql.ErrNoRows
	}
	user, ok := s.users[session.userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return User{ID: user.ID, Email: user.Email, Role: user.Role}, nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func cloneTask(task Task) Task {
	task.DueDate = cloneTime(task.DueDate)
	task.LockAcquiredAt = cloneTime(task.LockAcquiredAt)
	if task.LockHolder != nil {
		holder := *task.LockHolder
		task.LockHolder = &holder
	}
	if task.CreatedBy != nil {
		createdBy := *task.CreatedBy
		task.CreatedBy = &createdBy
	}
	return task
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
