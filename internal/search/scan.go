package search

import (
	"context"
	"fmt"
	"strings"

	"tasksync/api/internal/store"
)

// TaskLister is the slice of the task store the in-process searcher reads.
type TaskLister interface {
	ListTasks(ctx context.Context, filter store.TaskFilter, limit, offset int) ([]store.Task, int, error)
}

// Scan matches case-insensitive substrings of title and description. It
// serves the memory backend, where there is no FTS column.
type Scan struct {
	tasks TaskLister
}

func NewScan(tasks TaskLister) *Scan {
	return &Scan{tasks: tasks}
}

func (s *Scan) Healthy() bool { return true }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}
	q = normalizeQuery(q)

	tasks, _, err := s.tasks.ListTasks(ctx, store.TaskFilter{Completed: q.Completed, Priority: q.Priority}, 0, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("scan tasks: %w", err)
	}

	matched := make([]Result, 0)
	for _, task := range tasks {
		title := strings.ToLower(task.Title)
		description := strings.ToLower(task.Description)
		if !strings.Contains(title, needle) && !strings.Contains(description, needle) {
			continue
		}
		matched = append(matched, Result{
			ID:        task.ID,
			Title:     task.Title,
			Snippet:   task.Description,
			Priority:  task.Priority,
			Completed: task.Completed,
		})
	}

	total := len(matched)
	if q.Offset >= total {
		return []Result{}, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}
