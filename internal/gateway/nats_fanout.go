package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"tasksync/api/internal/app"
)

const DefaultNATSSubject = "tasksync.broadcasts"

// NATSFanout relays broadcasts over a NATS subject. The connection is owned
// by the caller.
type NATSFanout struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSFanout(conn *nats.Conn, subject string, logger *slog.Logger) *NATSFanout {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSFanout{conn: conn, subject: subject, logger: logger}
}

func (f *NATSFanout) Publish(ctx context.Context, evt app.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalEvent(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.conn.Publish(f.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Start subscribes and flushes so the server has registered the interest
// before it returns.
func (f *NATSFanout) Start(_ context.Context, deliver func(app.Event)) error {
	sub, err := f.conn.Subscribe(f.subject, func(msg *nats.Msg) {
		evt, err := unmarshalEvent(msg.Data)
		if err != nil {
			f.logger.Warn("discarding malformed broadcast", slog.Any("error", err))
			return
		}
		deliver(evt)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := f.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	return nil
}

func (f *NATSFanout) Close() error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
