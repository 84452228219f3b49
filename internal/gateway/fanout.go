package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"tasksync/api/internal/app"
)

// Fanout carries broadcasts between gateway instances. Every instance
// publishes into it and delivers what it receives to its own hub, so a
// client sees the same broadcasts whichever instance it is connected to.
type Fanout interface {
	Publish(ctx context.Context, evt app.Event) error
	Start(ctx context.Context, deliver func(app.Event)) error
	Close() error
}

// LocalFanout delivers in process. It serves single-instance deployments.
type LocalFanout struct {
	mu      sync.RWMutex
	deliver func(app.Event)
}

func NewLocalFanout() *LocalFanout {
	return &LocalFanout{}
}

func (f *LocalFanout) Start(_ context.Context, deliver func(app.Event)) error {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
	return nil
}

func (f *LocalFanout) Publish(_ context.Context, evt app.Event) error {
	f.mu.RLock()
	deliver := f.deliver
	f.mu.RUnlock()
	if deliver != nil {
		deliver(evt)
	}
	return nil
}

func (f *LocalFanout) Close() error {
	f.mu.Lock()
	f.deliver = nil
	f.mu.Unlock()
	return nil
}

// wireEvent is app.Event as it travels between instances. The payload is
// kept encoded; the hub forwards it verbatim.
type wireEvent struct {
	Name    string          `json:"event"`
	TaskID  string          `json:"taskId,omitempty"`
	Version int64           `json:"version,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"data"`
}

func marshalEvent(evt app.Event) ([]byte, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		Name:    evt.Name,
		TaskID:  evt.TaskID,
		Version: evt.Version,
		UserID:  evt.UserID,
		Payload: payload,
	})
}

func unmarshalEvent(data []byte) (app.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return app.Event{}, err
	}
	return app.Event{
		Name:    w.Name,
		TaskID:  w.TaskID,
		Version: w.Version,
		UserID:  w.UserID,
		Payload: w.Payload,
	}, nil
}
