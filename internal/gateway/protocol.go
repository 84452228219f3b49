package gateway

import (
	"encoding/json"

	"tasksync/api/internal/app"
)

const (
	eventCreate = "task:create"
	eventUpdate = "task:update"
	eventDelete = "task:delete"
	eventLock   = "task:lock"
	eventUnlock = "task:unlock"

	EventLockFailed = "task:lock-failed"
	EventError      = "error"
)

// inbound is one client frame: {"event": "task:update", "data": {...}}.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Frame is one server frame. Version is the record version a broadcast
// reflects; requester-only replies carry none.
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version,omitempty"`
}

type updatePayload struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"clientId"`
	UpdateData app.TaskInput `json:"updateData"`
}

// targetPayload addresses task:delete, task:lock and task:unlock.
type targetPayload struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

type ErrorNotice struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	TaskID   string `json:"taskId,omitempty"`
	LockedBy string `json:"lockedBy,omitempty"`
}

type LockFailedNotice struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Holder  string `json:"holder,omitempty"`
}

func encodeFrame(event string, version int64, data any) ([]byte, error) {
	raw, ok := data.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(Frame{Event: event, Data: raw, Version: version})
}
