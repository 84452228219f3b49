package search

import (
	"context"
	"log/slog"

	"tasksync/api/internal/logging"
	"tasksync/api/internal/store"
)

// Service tries Meilisearch first and falls back to the local searcher
// (Postgres FTS or an in-process scan).
type Service struct {
	meili    *Meili
	fallback Searcher
	loader   func(context.Context) ([]TaskRecord, error)
	logger   *slog.Logger
}

type Option func(*Service)

// WithMeili enables the Meilisearch index. A nil client is ignored.
func WithMeili(m *Meili) Option {
	return func(s *Service) { s.meili = m }
}

// WithReindexSource supplies the records used by ReindexAll.
func WithReindexSource(load func(context.Context) ([]TaskRecord, error)) Option {
	return func(s *Service) { s.loader = load }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.Component(logger, "search") }
}

func NewService(fallback Searcher, opts ...Option) *Service {
	s := &Service{fallback: fallback, logger: logging.Component(nil, "search")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back", slog.Any("error", err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", slog.Any("error", err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTask pushes the task to Meilisearch in the background.
func (s *Service) IndexTask(task store.Task) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFromTask(task)
	go func() {
		if err := s.meili.IndexTask(record); err != nil {
			s.logger.Warn("index task", slog.String("task_id", record.ID), slog.Any("error", err))
		}
	}()
}

// DeleteTask removes the task from Meilisearch in the background.
func (s *Service) DeleteTask(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTask(id); err != nil {
			s.logger.Warn("delete task from index", slog.String("task_id", id), slog.Any("error", err))
		}
	}()
}

// ReindexAll reloads every task into Meilisearch. It is a no-op without a
// healthy index or a reindex source.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	records, err := s.loader(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", slog.Any("error", err))
		return
	}
	if err := s.meili.IndexTasks(records); err != nil {
		s.logger.Error("reindex tasks", slog.Any("error", err))
		return
	}
	s.logger.Info("reindexed tasks", slog.Int("count", len(records)))
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func RecordFromTask(task store.Task) TaskRecord {
	return TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
		Completed:   task.Completed,
		CreatedAt:   task.CreatedAt.Unix(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
