package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tasksync/api/internal/app"
	"tasksync/api/internal/metrics"
)

const msgTaskIDRequired = "Task id is required"

// dispatch runs one inbound event. Broadcasts are published by the service
// after the write commits; the handler only answers the requester when the
// write did not apply or failed.
func (g *Gateway) dispatch(ctx context.Context, c *Client, msg inbound) {
	ctx, cancel := context.WithTimeout(ctx, g.handlerTimeout)
	defer cancel()

	var err error
	switch msg.Event {
	case eventCreate:
		err = g.handleCreate(ctx, c, msg.Data)
	case eventUpdate:
		err = g.handleUpdate(ctx, c, msg.Data)
	case eventDelete:
		err = g.handleDelete(ctx, c, msg.Data)
	case eventLock:
		err = g.handleLock(ctx, c, msg.Data)
	case eventUnlock:
		err = g.handleUnlock(ctx, c, msg.Data)
	default:
		metrics.InboundEvents.WithLabelValues("unknown", "rejected").Inc()
		g.reject(c, ErrorNotice{Code: app.CodeValidation, Message: fmt.Sprintf("Unknown event %s", msg.Event)})
		return
	}
	metrics.InboundEvents.WithLabelValues(msg.Event, outcome(err)).Inc()
}

func (g *Gateway) handleCreate(ctx context.Context, c *Client, data json.RawMessage) error {
	var input app.TaskInput
	if err := decode(data, &input); err != nil {
		return g.fail(c, "", err)
	}
	if _, err := g.service.CreateTask(ctx, c.actor(""), input); err != nil {
		return g.fail(c, "", err)
	}
	return nil
}

func (g *Gateway) handleUpdate(ctx context.Context, c *Client, data json.RawMessage) error {
	var payload updatePayload
	if err := decode(data, &payload); err != nil {
		return g.fail(c, "", err)
	}
	if err := requireID(payload.ID); err != nil {
		return g.fail(c, "", err)
	}
	if _, err := g.service.UpdateTask(ctx, c.actor(payload.ClientID), payload.ID, payload.UpdateData); err != nil {
		return g.fail(c, payload.ID, err)
	}
	return nil
}

func (g *Gateway) handleDelete(ctx context.Context, c *Client, data json.RawMessage) error {
	payload, err := decodeTarget(data)
	if err != nil {
		return g.fail(c, payload.ID, err)
	}
	if _, err := g.service.DeleteTask(ctx, c.actor(payload.ClientID), payload.ID); err != nil {
		return g.fail(c, payload.ID, err)
	}
	return nil
}

// handleLock answers every failed acquisition with task:lock-failed. A
// conflict names the current holder; any other failure is also reported as
// an error notice carrying its code.
func (g *Gateway) handleLock(ctx context.Context, c *Client, data json.RawMessage) error {
	payload, err := decodeTarget(data)
	if err != nil {
		return g.fail(c, payload.ID, err)
	}
	actor := c.actor(payload.ClientID)
	g.hub.claim(c, actor.ClientID)

	_, err = g.service.AcquireLock(ctx, actor, payload.ID)
	if err == nil {
		return nil
	}
	var domainErr *app.DomainError
	if errors.As(err, &domainErr) && domainErr.Code == app.CodeLockConflict {
		g.send(c, EventLockFailed, LockFailedNotice{
			ID:      payload.ID,
			Message: domainErr.Message,
			Holder:  domainErr.LockedBy(),
		})
		return err
	}
	notice := g.errorNotice(c, payload.ID, err)
	g.reject(c, notice)
	g.send(c, EventLockFailed, LockFailedNotice{ID: payload.ID, Message: notice.Message})
	return err
}

func (g *Gateway) handleUnlock(ctx context.Context, c *Client, data json.RawMessage) error {
	payload, err := decodeTarget(data)
	if err != nil {
		return g.fail(c, payload.ID, err)
	}
	if _, err := g.service.ReleaseLock(ctx, c.actor(payload.ClientID), payload.ID); err != nil {
		return g.fail(c, payload.ID, err)
	}
	return nil
}

// fail reports err to the requester only and returns it for bookkeeping.
func (g *Gateway) fail(c *Client, taskID string, err error) error {
	g.reject(c, g.errorNotice(c, taskID, err))
	return err
}

func (g *Gateway) errorNotice(c *Client, taskID string, err error) ErrorNotice {
	notice := ErrorNotice{Code: app.CodeServerError, Message: "Internal server error", TaskID: taskID}
	var domainErr *app.DomainError
	var reqErr requestError
	switch {
	case errors.As(err, &domainErr):
		notice.Code = domainErr.Code
		notice.Message = domainErr.Message
		notice.LockedBy = domainErr.LockedBy()
		if domainErr.Code == app.CodeServerError {
			c.logger.Error("event failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
	case errors.As(err, &reqErr):
		notice.Code = app.CodeValidation
		notice.Message = reqErr.message
	default:
		c.logger.Error("event failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	return notice
}

func (g *Gateway) reject(c *Client, notice ErrorNotice) {
	g.send(c, EventError, notice)
}

func (g *Gateway) send(c *Client, event string, data any) {
	frame, err := encodeFrame(event, 0, data)
	if err != nil {
		c.logger.Error("encode reply", slog.String("event", event), slog.Any("error", err))
		return
	}
	g.hub.reply(c, frame)
}

// requestError is a malformed payload; it is reported as a validation
// notice.
type requestError struct {
	message string
}

func (e requestError) Error() string { return e.message }

func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return requestError{message: "Malformed event payload"}
	}
	return nil
}

func decodeTarget(data json.RawMessage) (targetPayload, error) {
	var payload targetPayload
	if err := decode(data, &payload); err != nil {
		return payload, err
	}
	return payload, requireID(payload.ID)
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return requestError{message: msgTaskIDRequired}
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var domainErr *app.DomainError
	if errors.As(err, &domainErr) {
		switch domainErr.Code {
		case app.CodeLockConflict:
			return "conflict"
		case app.CodeNotFound:
			return "not_found"
		case app.CodeServerError:
			return "error"
		}
		return "rejected"
	}
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return "rejected"
	}
	return "error"
}
