package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasksync/api/internal/metrics"
	"tasksync/api/internal/rbac"
	"tasksync/api/internal/search"
	"tasksync/api/internal/store"
	"tasksync/api/internal/util"
)

var tracer = otel.Tracer("tasksync/api/internal/app")

const (
	msgTaskNotFound      = "Task not found"
	msgTaskEditedByOther = "Task is being edited by another user"
	msgTaskDeleteLocked  = "Cannot delete task being edited by another user"
	msgTaskAlreadyLocked = "Task is already being edited"

	maxTitleLength       = 200
	maxDescriptionLength = 2000
	defaultPageLimit     = 50
	maxPageLimit         = 100
)

// TaskInput is the client-supplied content of a create or update. DueDate is
// kept raw so an absent field (leave unchanged) differs from null (clear).
type TaskInput struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Completed   *bool           `json:"completed"`
	Priority    *string         `json:"priority"`
	DueDate     json.RawMessage `json:"dueDate"`
}

type ListQuery struct {
	Page      int
	Limit     int
	Completed *bool
	Priority  string
}

type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

type TaskPage struct {
	Data       []TaskView `json:"data"`
	Pagination Pagination `json:"pagination"`
}

type LockStatusView struct {
	TaskID string `json:"taskId"`
	Locked bool   `json:"locked"`
	Holder string `json:"holder,omitempty"`
}

func (s *Service) CreateTask(ctx context.Context, actor Actor, input TaskInput) (TaskView, error) {
	ctx, span := startSpan(ctx, "app.CreateTask", "")
	defer span.End()

	if !rbac.Can(actor.Role, rbac.ActionWrite) {
		return TaskView{}, forbidden()
	}
	if input.Title == nil {
		return TaskView{}, validationError("title", "Title is required")
	}
	patch, err := input.patch()
	if err != nil {
		return TaskView{}, err
	}

	task := store.Task{
		ID:       util.NewID("task"),
		Title:    *patch.Title,
		Priority: store.PriorityMedium,
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
	task.DueDate = patch.DueDate.Value
	if actor.UserID != "" {
		createdBy := actor.UserID
		task.CreatedBy = &createdBy
	}

	done := observe("create")
	created, err := s.store.CreateTask(ctx, task)
	done()
	if err != nil {
		recordError(span, err)
		return TaskView{}, serverError("Failed to create task", err)
	}

	view := taskView(created)
	s.publish(ctx, Event{Name: EventTaskCreated, TaskID: created.ID, Version: created.Version, Payload: view})
	s.index(created)
	return view, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (TaskView, error) {
	done := observe("get")
	task, err := s.store.GetTask(ctx, id)
	done()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskView{}, notFound(msgTaskNotFound)
		}
		return TaskView{}, serverError("Failed to load task", err)
	}
	return taskView(task), nil
}

// ListTasks returns one page of tasks, newest first. Zero page and limit
// mean the defaults.
func (s *Service) ListTasks(ctx context.Context, q ListQuery) (TaskPage, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = defaultPageLimit
	}
	if q.Page < 1 {
		return TaskPage{}, validationError("page", "Page must be a positive integer")
	}
	if q.Limit < 1 || q.Limit > maxPageLimit {
		return TaskPage{}, validationError("limit", "Limit must be between 1 and 100")
	}
	if q.Priority != "" && !validPriority(q.Priority) {
		return TaskPage{}, validationError("priority", "Priority must be low, medium, or high")
	}

	done := observe("list")
	tasks, total, err := s.store.ListTasks(ctx, store.TaskFilter{Completed: q.Completed, Priority: q.Priority}, q.Limit, (q.Page-1)*q.Limit)
	done()
	if err != nil {
		return TaskPage{}, serverError("Failed to list tasks", err)
	}

	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, taskView(task))
	}
	totalPages := int(math.Ceil(float64(total) / float64(q.Limit)))
	return TaskPage{
		Data: views,
		Pagination: Pagination{
			Page:       q.Page,
			Limit:      q.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    q.Page < totalPages,
			HasPrev:    q.Page > 1,
		},
	}, nil
}

func (s *Service) SearchTasks(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, validationError("q", "Search query is required")
	}
	if q.Priority != "" && !validPriority(q.Priority) {
		return search.Response{}, validationError("priority", "Priority must be low, medium, or high")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// UpdateTask applies input if the actor may edit the task under the lock
// policy. A rejected update is classified as a lock conflict or a missing
// task before it is returned.
func (s *Service) UpdateTask(ctx context.Context, actor Actor, id string, input TaskInput) (TaskView, error) {
	ctx, span := startSpan(ctx, "app.UpdateTask", id)
	defer span.End()

	if !rbac.Can(actor.Role, rbac.ActionWrite) {
		return TaskView{}, forbidden()
	}
	requester, err := requireRequester(actor)
	if err != nil {
		return TaskView{}, err
	}
	patch, err := input.patch()
	if err != nil {
		return TaskView{}, err
	}
	if patch.Empty() {
		return TaskView{}, validationError("updateData", "No fields to update")
	}

	done := observe("update")
	updated, ok, err := s.store.UpdateTask(ctx, id, patch, requester)
	done()
	if err != nil {
		recordError(span, err)
		lockOutcome("update", "error")
		return TaskView{}, serverError("Failed to update task", err)
	}
	if !ok {
		return TaskView{}, s.classifyRejection(ctx, "update", id, requester, msgTaskEditedByOther)
	}
	lockOutcome("update", "ok")

	view := taskView(updated)
	s.publish(ctx, Event{Name: EventTaskUpdated, TaskID: id, Version: updated.Version, Payload: view})
	s.index(updated)
	return view, nil
}

func (s *Service) DeleteTask(ctx context.Context, actor Actor, id string) (TaskView, error) {
	ctx, span := startSpan(ctx, "app.DeleteTask", id)
	defer span.End()

	if !rbac.Can(actor.Role, rbac.ActionWrite) {
		return TaskView{}, forbidden()
	}
	requester, err := requireRequester(actor)
	if err != nil {
		return TaskView{}, err
	}

	done := observe("delete")
	deleted, ok, err := s.store.DeleteTask(ctx, id, requester)
	done()
	if err != nil {
		recordError(span, err)
		lockOutcome("delete", "error")
		return TaskView{}, serverError("Failed to delete task", err)
	}
	if !ok {
		return TaskView{}, s.classifyRejection(ctx, "delete", id, requester, msgTaskDeleteLocked)
	}
	lockOutcome("delete", "ok")

	// The row is gone; the notice supersedes every earlier version of it.
	s.publish(ctx, Event{Name: EventTaskDeleted, TaskID: id, Version: deleted.Version + 1, Payload: DeletedNotice{ID: id}})
	if s.search != nil {
		s.search.DeleteTask(id)
	}
	return taskView(deleted), nil
}

func (s *Service) AcquireLock(ctx context.Context, actor Actor, id string) (TaskView, error) {
	ctx, span := startSpan(ctx, "app.AcquireLock", id)
	defer span.End()

	if !rbac.Can(actor.Role, rbac.ActionLock) {
		return TaskView{}, forbidden()
	}
	requester, err := requireRequester(actor)
	if err != nil {
		return TaskView{}, err
	}

	done := observe("acquire")
	task, ok, err := s.store.AcquireLock(ctx, id, requester)
	done()
	if err != nil {
		recordError(span, err)
		lockOutcome("acquire", "error")
		return TaskView{}, serverError("Failed to lock task", err)
	}
	if !ok {
		return TaskView{}, s.classifyRejection(ctx, "acquire", id, requester, msgTaskAlreadyLocked)
	}
	lockOutcome("acquire", "ok")

	s.publish(ctx, Event{Name: EventTaskLocked, TaskID: id, Version: task.Version, Payload: LockedNotice{ID: id, Holder: requester}})
	return taskView(task), nil
}

// ReleaseLock clears the actor's lock on the task. The unlocked notice is
// broadcast whether or not a lock was cleared, so clients that missed an
// earlier notice converge; released reports whether this call cleared it.
func (s *Service) ReleaseLock(ctx context.Context, actor Actor, id string) (released bool, err error) {
	ctx, span := startSpan(ctx, "app.ReleaseLock", id)
	defer span.End()

	if !rbac.Can(actor.Role, rbac.ActionLock) {
		return false, forbidden()
	}
	requester, err := requireRequester(actor)
	if err != nil {
		return false, err
	}

	done := observe("release")
	task, ok, err := s.store.ReleaseLock(ctx, id, requester)
	done()
	if err != nil {
		recordError(span, err)
		lockOutcome("release", "error")
		return false, serverError("Failed to unlock task", err)
	}

	evt := Event{Name: EventTaskUnlocked, TaskID: id, Payload: UnlockedNotice{ID: id}}
	if ok {
		evt.Version = task.Version
		lockOutcome("release", "ok")
	} else {
		lockOutcome("release", "noop")
	}
	s.publish(ctx, evt)
	return ok, nil
}

// ForceReleaseLock clears any holder's lock. Admin only.
func (s *Service) ForceReleaseLock(ctx context.Context, actor Actor, id string) (bool, error) {
	ctx, span := startSpan(ctx, "app.ForceReleaseLock", id)
	defer span.End()

	if !rbac.Can(actor.Role, rbac.ActionForceUnlock) {
		return false, forbidden()
	}

	task, ok, err := s.store.ReleaseLock(ctx, id, "")
	if err != nil {
		recordError(span, err)
		return false, serverError("Failed to unlock task", err)
	}
	if !ok {
		if _, err := s.store.GetTask(ctx, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, notFound(msgTaskNotFound)
			}
			return false, serverError("Failed to unlock task", err)
		}
		return false, nil
	}

	s.logger.Info("lock force-released", slog.String("task_id", id), slog.String("by", actor.UserID))
	s.publish(ctx, Event{Name: EventTaskUnlocked, TaskID: id, Version: task.Version, Payload: UnlockedNotice{ID: id}})
	return true, nil
}

func (s *Service) LockStatus(ctx context.Context, actor Actor, id string) (LockStatusView, error) {
	status, err := s.store.LockStatus(ctx, id, actor.requester())
	if err != nil {
		return LockStatusView{}, serverError("Failed to read lock status", err)
	}
	if !status.Exists {
		return LockStatusView{}, notFound(msgTaskNotFound)
	}
	return LockStatusView{TaskID: id, Locked: status.Locked, Holder: status.Holder}, nil
}

// ReleaseAllLocksBy clears every lock held by clientID. It is the
// disconnect path and not subject to role checks.
func (s *Service) ReleaseAllLocksBy(ctx context.Context, clientID string) (int, error) {
	if strings.TrimSpace(clientID) == "" {
		return 0, nil
	}
	done := observe("release_all")
	ids, err := s.store.ReleaseAllLocksBy(ctx, clientID)
	done()
	if err != nil {
		return 0, serverError("Failed to release locks", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	metrics.ReleasedLocks.Add(float64(len(ids)))
	s.logger.Info("released orphaned locks", slog.String("client_id", clientID), slog.Int("count", len(ids)))
	s.publish(ctx, Event{
		Name:    EventLocksReleased,
		Payload: LocksReleasedNotice{ClientID: clientID, Count: len(ids), TaskIDs: ids},
	})
	return len(ids), nil
}

// SweepStaleLocks clears every expired lock and announces each record.
func (s *Service) SweepStaleLocks(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "app.SweepStaleLocks", "")
	defer span.End()

	done := observe("sweep")
	tasks, err := s.store.SweepStaleLocks(ctx)
	done()
	if err != nil {
		recordError(span, err)
		return 0, serverError("Failed to sweep stale locks", err)
	}
	for _, task := range tasks {
		s.publish(ctx, Event{Name: EventTaskUnlocked, TaskID: task.ID, Version: task.Version, Payload: UnlockedNotice{ID: task.ID}})
	}
	metrics.SweptLocks.Add(float64(len(tasks)))
	span.SetAttributes(attribute.Int("locks.swept", len(tasks)))
	return len(tasks), nil
}

// SweepAs is SweepStaleLocks behind the admin role check.
func (s *Service) SweepAs(ctx context.Context, actor Actor) (int, error) {
	if !rbac.Can(actor.Role, rbac.ActionSweep) {
		return 0, forbidden()
	}
	return s.SweepStaleLocks(ctx)
}

// classifyRejection turns a not-applicable conditional write into a
// conflict or not-found error. A record that exists but is no longer locked
// lost a race with another write; that is reported as a conflict without a
// holder.
func (s *Service) classifyRejection(ctx context.Context, op, id, requester, conflictMessage string) error {
	status, err := s.store.LockStatus(ctx, id, requester)
	if err != nil {
		lockOutcome(op, "error")
		return serverError("Failed to read lock status", err)
	}
	if !status.Exists {
		lockOutcome(op, "not_found")
		return notFound(msgTaskNotFound)
	}
	lockOutcome(op, "conflict")
	return lockConflict(conflictMessage, id, status.Holder)
}

func (s *Service) publish(ctx context.Context, evt Event) {
	s.publisher.Publish(context.WithoutCancel(ctx), evt)
}

func (s *Service) index(task store.Task) {
	if s.search != nil {
		s.search.IndexTask(task)
	}
}

func requireRequester(actor Actor) (string, error) {
	requester := actor.requester()
	if requester == "" {
		return "", validationError("clientId", "Client ID is required")
	}
	return requester, nil
}

func (in TaskInput) patch() (store.TaskPatch, error) {
	var patch store.TaskPatch
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return store.TaskPatch{}, validationError("title", "Title is required")
		}
		if utf8.RuneCountInString(title) > maxTitleLength {
			return store.TaskPatch{}, validationError("title", "Title must be 1-200 characters")
		}
		patch.Title = &title
	}
	if in.Description != nil {
		description := strings.TrimSpace(*in.Description)
		if utf8.RuneCountInString(description) > maxDescriptionLength {
			return store.TaskPatch{}, validationError("description", "Description must be less than 2000 characters")
		}
		patch.Description = &description
	}
	if in.Priority != nil {
		priority := strings.ToLower(strings.TrimSpace(*in.Priority))
		if !validPriority(priority) {
			return store.TaskPatch{}, validationError("priority", "Priority must be low, medium, or high")
		}
		patch.Priority = &priority
	}
	patch.Completed = in.Completed

	dueDate, err := parseDueDate(in.DueDate)
	if err != nil {
		return store.TaskPatch{}, err
	}
	patch.DueDate = dueDate
	return patch, nil
}

func parseDueDate(raw json.RawMessage) (store.OptionalTime, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return store.OptionalTime{}, nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return store.OptionalTime{Set: true}, nil
	}
	var value string
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return store.OptionalTime{}, validationError("dueDate", "Due date must be a valid date")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return store.OptionalTime{Set: true}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			parsed = parsed.UTC()
			return store.OptionalTime{Set: true, Value: &parsed}, nil
		}
	}
	return store.OptionalTime{}, validationError("dueDate", "Due date must be a valid date")
}

func validPriority(priority string) bool {
	switch priority {
	case store.PriorityLow, store.PriorityMedium, store.PriorityHigh:
		return true
	}
	return false
}

func startSpan(ctx context.Context, name, taskID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if taskID != "" {
		span.SetAttributes(attribute.String("task.id", taskID))
	}
	return ctx, span
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func observe(op string) func() {
	started := time.Now()
	return func() {
		metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
	}
}

func lockOutcome(op, result string) {
	metrics.LockOutcomes.WithLabelValues(op, result).Inc()
}
