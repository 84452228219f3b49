package store

import (
	"errors"
	"time"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

var ErrEmailTaken = errors.New("email already registered")

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is a shared record. LockHolder and LockAcquiredAt are either both nil
// or both set.
type Task struct {
	ID             string
	Title          string
	Description    string
	Completed      bool
	Priority       string
	DueDate        *time.Time
	LockHolder     *string
	LockAcquiredAt *time.Time
	CreatedBy      *string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OptionalTime distinguishes "leave unchanged" (Set=false) from "clear"
// (Set=true, Value=nil).
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

// TaskPatch carries the content fields of an update. Nil fields are left
// unchanged. Lock fields are never part of a patch.
type TaskPatch struct {
	Title       *string
	Description *string
	Completed   *bool
	Priority    *string
	DueDate     OptionalTime
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil && p.Priority == nil && !p.DueDate.Set
}

type TaskFilter struct {
	Completed *bool
	Priority  string
}

// LockStatus is the read-only view of a record's lock for one requester.
// Locked is true only for a live lock held by someone else.
type LockStatus struct {
	Exists bool
	Locked bool
	Holder string
}
