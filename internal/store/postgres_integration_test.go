package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tasksync/api/internal/util"
)

func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TASKSYNC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TASKSYNC_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func createIntegrationTask(t *testing.T, ctx context.Context, s *PostgresStore) Task {
	t.Helper()
	task, err := s.CreateTask(ctx, Task{
		ID:       util.NewID("task"),
		Title:    "Integration task",
		Priority: PriorityHigh,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	t.Cleanup(func() { s.DeleteTask(context.Background(), task.ID, "") })
	return task
}

func TestPostgresLockColumnsArePaired(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	task := createIntegrationTask(t, ctx, s)

	_, err := s.DB().ExecContext(ctx, `UPDATE tasks SET lock_holder='alice' WHERE id=$1`, task.ID)
	if err == nil {
		t.Fatal("expected paired-null check to reject a holder without timestamp")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PgError, got %T: %v", err, err)
	}
	if pgErr.Code != "23514" || pgErr.ConstraintName != "tasks_lock_paired" {
		t.Fatalf("unexpected violation %s on %s", pgErr.Code, pgErr.ConstraintName)
	}
}

func TestPostgresAcquireLockSingleWinner(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	task := createIntegrationTask(t, ctx, s)

	var (
		mu      sync.Mutex
		winners []string
		wg      sync.WaitGroup
	)
	for _, requester := range []string{"alice", "bob", "carol", "dave", "erin"} {
		wg.Add(1)
		go func(requester string) {
			defer wg.Done()
			_, ok, err := s.AcquireLock(ctx, task.ID, requester)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, requester)
				mu.Unlock()
			}
		}(requester)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected one winner, got %v", winners)
	}
	status, err := s.LockStatus(ctx, task.ID, "nobody")
	if err != nil {
		t.Fatalf("lock status: %v", err)
	}
	if !status.Locked || status.Holder != winners[0] {
		t.Fatalf("status %+v does not match winner %s", status, winners[0])
	}
}

func TestPostgresConditionalWrites(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	task := createIntegrationTask(t, ctx, s)

	if _, ok, err := s.AcquireLock(ctx, task.ID, "alice"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.UpdateTask(ctx, task.ID, TaskPatch{Title: strPtr("bob was here")}, "bob"); err != nil || ok {
		t.Fatalf("bob update: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.DeleteTask(ctx, task.ID, "bob"); err != nil || ok {
		t.Fatalf("bob delete: ok=%v err=%v", ok, err)
	}

	updated, ok, err := s.UpdateTask(ctx, task.ID, TaskPatch{
		Title:   strPtr("alice edit"),
		DueDate: OptionalTime{Set: true},
	}, "alice")
	if err != nil || !ok {
		t.Fatalf("alice update: ok=%v err=%v", ok, err)
	}
	if updated.Title != "alice edit" || updated.LockHolder == nil || *updated.LockHolder != "alice" {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	// Age the lock past the timeout on the database clock.
	if _, err := s.DB().ExecContext(ctx, `UPDATE tasks SET lock_acquired_at = NOW() - interval '6 minutes' WHERE id=$1`, task.ID); err != nil {
		t.Fatalf("age lock: %v", err)
	}
	updated, ok, err = s.UpdateTask(ctx, task.ID, TaskPatch{Title: strPtr("bob after expiry")}, "bob")
	if err != nil || !ok {
		t.Fatalf("bob update after expiry: ok=%v err=%v", ok, err)
	}
	if updated.LockHolder != nil || updated.LockAcquiredAt != nil {
		t.Fatalf("stale lock should be cleared: %+v", updated)
	}
}

func TestPostgresSweepAndReleaseAll(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	stale := createIntegrationTask(t, ctx, s)
	live := createIntegrationTask(t, ctx, s)
	holder := util.NewID("client")

	s.AcquireLock(ctx, stale.ID, holder)
	s.AcquireLock(ctx, live.ID, holder)
	if _, err := s.DB().ExecContext(ctx, `UPDATE tasks SET lock_acquired_at = NOW() - interval '5 minutes' WHERE id=$1`, stale.ID); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	swept, err := s.SweepStaleLocks(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	found := false
	for _, task := range swept {
		if task.ID == live.ID {
			t.Fatal("live lock must not be swept")
		}
		if task.ID == stale.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale lock not swept: %+v", swept)
	}

	ids, err := s.ReleaseAllLocksBy(ctx, holder)
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if len(ids) != 1 || ids[0] != live.ID {
		t.Fatalf("expected only %s released, got %v", live.ID, ids)
	}
}
