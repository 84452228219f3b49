package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"tasksync/api/internal/app"
	"tasksync/api/internal/config"
	"tasksync/api/internal/gateway"
	"tasksync/api/internal/search"
	"tasksync/api/internal/session"
	"tasksync/api/internal/store"
)

// deps holds the backing services one command runs on.
type deps struct {
	db      *sql.DB
	store   app.DataStore
	redis   *redis.Client
	nats    *nats.Conn
	search  *search.Service
	closers []func()
}

// openDeps connects the store, Redis and search backends named by cfg.
func openDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (*deps, error) {
	d := &deps{}
	var fallback search.Searcher
	var reindex func(context.Context) ([]search.TaskRecord, error)

	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		mem := store.NewMemoryStore()
		d.store = mem
		fallback = search.NewScan(mem)
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		d.db = db
		d.closers = append(d.closers, func() { _ = db.Close() })
		d.store = store.NewPostgresStore(db)
		pgfts := search.NewPgFTS(db)
		fallback = pgfts
		reindex = pgfts.LoadAllRecords
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.redis = client
		d.closers = append(d.closers, func() { _ = client.Close() })
	}

	opts := []search.Option{search.WithLogger(logger)}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		opts = append(opts, search.WithMeili(search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)))
		if reindex != nil {
			opts = append(opts, search.WithReindexSource(reindex))
		}
	}
	d.search = search.NewService(fallback, opts...)
	d.closers = append(d.closers, d.search.Close)
	return d, nil
}

// service builds the task service. Refresh sessions live in Redis when it is
// configured, otherwise in the primary store.
func (d *deps) service(cfg config.Config, logger *slog.Logger) *app.Service {
	opts := []app.Option{app.WithSearch(d.search), app.WithLogger(logger)}
	if d.redis != nil {
		logger.Info("using redis for refresh sessions")
		opts = append(opts, app.WithSessionStore(session.NewRedisStore(d.redis)))
	}
	return app.New(cfg, d.store, opts...)
}

// fanout picks the broadcast transport between gateway instances.
func (d *deps) fanout(cfg config.Config, logger *slog.Logger) (gateway.Fanout, error) {
	switch cfg.BusBackend {
	case "redis":
		if d.redis == nil {
			return nil, fmt.Errorf("bus backend redis requires REDIS_URL")
		}
		return gateway.NewRedisFanout(d.redis, gateway.DefaultRedisChannel, logger), nil
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("tasksync-api"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		d.nats = conn
		d.closers = append(d.closers, conn.Close)
		return gateway.NewNATSFanout(conn, gateway.DefaultNATSSubject, logger), nil
	default:
		return gateway.NewLocalFanout(), nil
	}
}

// Close releases everything in reverse order of acquisition.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
