package app

import (
	"context"
	"time"

	"tasksync/api/internal/store"
)

const (
	EventTaskCreated   = "task:created"
	EventTaskUpdated   = "task:updated"
	EventTaskDeleted   = "task:deleted"
	EventTaskLocked    = "task:locked"
	EventTaskUnlocked  = "task:unlocked"
	EventLocksReleased = "locks:released"
)

// Event is one outbound notice produced by a committed write. Version is the
// record version after the write; zero means the notice is not ordered
// against other notices for the record. An empty UserID addresses every
// connected client.
type Event struct {
	Name    string `json:"event"`
	TaskID  string `json:"taskId,omitempty"`
	Version int64  `json:"version,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Payload any    `json:"data"`
}

// Publisher delivers events to connected clients. Implementations must not
// block on slow clients.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event)

func (f PublisherFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// TaskView is the wire shape of a task.
type TaskView struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Completed      bool       `json:"completed"`
	Priority       string     `json:"priority"`
	DueDate        *time.Time `json:"dueDate"`
	LockHolder     *string    `json:"lockHolder"`
	LockAcquiredAt *time.Time `json:"lockAcquiredAt"`
	CreatedBy      *string    `json:"createdBy"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func taskView(task store.Task) TaskView {
	return TaskView{
		ID:             task.ID,
		Title:          task.Title,
		Description:    task.Description,
		Completed:      task.Completed,
		Priority:       task.Priority,
		DueDate:        task.DueDate,
		LockHolder:     task.LockHolder,
		LockAcquiredAt: task.LockAcquiredAt,
		CreatedBy:      task.CreatedBy,
		Version:        task.Version,
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
	}
}

type LockedNotice struct {
	ID     string `json:"id"`
	Holder string `json:"holder"`
}

type UnlockedNotice struct {
	ID string `json:"id"`
}

type DeletedNotice struct {
	ID string `json:"id"`
}

type LocksReleasedNotice struct {
	ClientID string   `json:"clientId"`
	Count    int      `json:"count"`
	TaskIDs  []string `json:"taskIds"`
}
