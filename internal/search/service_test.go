package search

import (
	"context"
	"errors"
	"testing"

	"tasksync/api/internal/store"
)

type fakeSearcher struct {
	searchFn func(context.Context, Query) ([]Result, int, error)
}

func (f fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(ctx, q)
}

func (fakeSearcher) Healthy() bool { return true }

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, task := range []store.Task{
		{ID: "task_a", Title: "Write release notes", Description: "cover the lock changes", Priority: store.PriorityHigh},
		{ID: "task_b", Title: "Fix flaky test", Description: "gateway reconnect", Priority: store.PriorityLow},
		{ID: "task_c", Title: "Plan retro", Description: "Release retrospective", Priority: store.PriorityMedium, Completed: true},
	} {
		if _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}
	return s
}

func TestScanMatchesTitleAndDescription(t *testing.T) {
	scan := NewScan(seedStore(t))

	results, total, err := scan.Search(context.Background(), Query{Text: "RELEASE"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Fatalf("expected 2 hits, got total=%d results=%+v", total, results)
	}
}

func TestScanAppliesFilters(t *testing.T) {
	scan := NewScan(seedStore(t))
	done := true

	results, total, err := scan.Search(context.Background(), Query{Text: "release", Completed: &done})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 || results[0].ID != "task_c" {
		t.Fatalf("unexpected results: %+v", results)
	}

	results, _, err = scan.Search(context.Background(), Query{Text: "release", Priority: store.PriorityHigh})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "task_a" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestScanBlankQueryReturnsNothing(t *testing.T) {
	scan := NewScan(seedStore(t))
	results, total, err := scan.Search(context.Background(), Query{Text: "   "})
	if err != nil || total != 0 || len(results) != 0 {
		t.Fatalf("expected empty result, got %v %d %v", results, total, err)
	}
}

func TestScanPaginates(t *testing.T) {
	scan := NewScan(seedStore(t))
	results, total, err := scan.Search(context.Background(), Query{Text: "e", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 3 || len(results) != 1 {
		t.Fatalf("expected one of three, got total=%d results=%+v", total, results)
	}
}

func TestServiceFallbackErrorYieldsEmptyResponse(t *testing.T) {
	svc := NewService(fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}})

	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 || resp.Query != "x" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServiceUsesFallbackWithoutMeili(t *testing.T) {
	svc := NewService(NewScan(seedStore(t)))
	resp := svc.Search(context.Background(), Query{Text: "flaky"})
	if resp.Total != 1 || resp.Results[0].ID != "task_b" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	// Index calls are no-ops without Meilisearch.
	svc.IndexTask(store.Task{ID: "task_b"})
	svc.DeleteTask("task_b")
	svc.ReindexAll(context.Background())
}

func TestMeiliFilters(t *testing.T) {
	done := false
	filters := meiliFilters(Query{Priority: "high", Completed: &done})
	if len(filters) != 2 || filters[0] != `priority = "high"` || filters[1] != "completed = false" {
		t.Fatalf("unexpected filters: %v", filters)
	}
	if got := meiliFilters(Query{}); len(got) != 0 {
		t.Fatalf("expected no filters, got %v", got)
	}
}
