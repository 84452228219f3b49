package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tasksync/api/internal/lock"
)

const taskColumns = `id, title, description, completed, priority, due_date, lock_holder, lock_acquired_at, created_by, version, created_at, updated_at`

// staleBefore is the SQL cutoff for a lock given the timeout in seconds as
// the referenced parameter. It is evaluated on the database clock so every
// service instance agrees on staleness.
func staleBefore(timeoutArg string) string {
	return "NOW() - make_interval(secs => " + timeoutArg + ")"
}

// editablePredicate is the lock policy as a WHERE clause.
func editablePredicate(requesterArg, timeoutArg string) string {
	return fmt.Sprintf("(lock_holder IS NULL OR lock_holder = %s OR lock_acquired_at <= %s)", requesterArg, staleBefore(timeoutArg))
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task       Task
		dueDate    sql.NullTime
		holder     sql.NullString
		acquiredAt sql.NullTime
		createdBy  sql.NullString
	)
	err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Completed,
		&task.Priority,
		&dueDate,
		&holder,
		&acquiredAt,
		&createdBy,
		&task.Version,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if dueDate.Valid {
		value := dueDate.Time
		task.DueDate = &value
	}
	if holder.Valid && acquiredAt.Valid {
		h, at := holder.String, acquiredAt.Time
		task.LockHolder = &h
		task.LockAcquiredAt = &at
	}
	if createdBy.Valid {
		value := createdBy.String
		task.CreatedBy = &value
	}
	return task, nil
}

// scanConditional maps a RETURNING row of a conditional write to the
// (task, applied, error) triple. No row means the precondition failed.
func scanConditional(row rowScanner, op string) (Task, bool, error) {
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return task, true, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func timeoutSeconds() float64 {
	return lock.Timeout.Seconds()
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	var createdBy sql.NullString
	if task.CreatedBy != nil {
		createdBy = nullString(*task.CreatedBy)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, title, description, completed, priority, due_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+taskColumns,
		task.ID, task.Title, task.Description, task.Completed, task.Priority, task.DueDate, createdBy,
	)
	created, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter, limit, offset int) ([]Task, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Completed != nil {
		args = append(args, *filter.Completed)
		where = append(where, fmt.Sprintf("completed = $%d", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		taskColumns, clause, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, id, requester string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET lock_holder=$2, lock_acquired_at=NOW(), version=version+1
		WHERE id=$1 AND `+editablePredicate("$2", "$3")+`
		RETURNING `+taskColumns,
		id, requester, timeoutSeconds(),
	)
	return scanConditional(row, "acquire lock")
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, id, requester string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET lock_holder=NULL, lock_acquired_at=NULL, version=version+1
		WHERE id=$1 AND lock_holder IS NOT NULL AND ($2::text IS NULL OR lock_holder=$2)
		RETURNING `+taskColumns,
		id, nullString(requester),
	)
	return scanConditional(row, "release lock")
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, patch TaskPatch, requester string) (Task, bool, error) {
	args := []any{id, nullString(requester), timeoutSeconds()}
	var sets []string
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Completed != nil {
		add("completed", *patch.Completed)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.DueDate.Set {
		add("due_date", patch.DueDate.Value)
	}

	// A live lock held by the requester is refreshed, a live lock kept by a
	// system write is left alone, anything else is cleared.
	live := "lock_acquired_at > " + staleBefore("$3")
	sets = append(sets,
		"lock_holder = CASE WHEN "+live+" AND ($2::text IS NULL OR lock_holder = $2) THEN lock_holder ELSE NULL END",
		"lock_acquired_at = CASE WHEN "+live+" AND $2::text IS NULL THEN lock_acquired_at WHEN "+live+" AND lock_holder = $2 THEN NOW() ELSE NULL END",
		"version = version + 1",
		"updated_at = NOW()",
	)

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + `
		WHERE id=$1 AND ($2::text IS NULL OR ` + editablePredicate("$2", "$3") + `)
		RETURNING ` + taskColumns
	return scanConditional(s.db.QueryRowContext(ctx, query, args...), "update task")
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id, requester string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM tasks
		WHERE id=$1 AND ($2::text IS NULL OR `+editablePredicate("$2", "$3")+`)
		RETURNING `+taskColumns,
		id, nullString(requester), timeoutSeconds(),
	)
	return scanConditional(row, "delete task")
}

func (s *PostgresStore) ReleaseAllLocksBy(ctx context.Context, requester string) ([]string, error) {
	if requester == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks
		SET lock_holder=NULL, lock_acquired_at=NULL, version=version+1
		WHERE lock_holder=$1
		RETURNING id
	`, requester)
	if err != nil {
		return nil, fmt.Errorf("release locks: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan released lock: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate released locks: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) SweepStaleLocks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks
		SET lock_holder=NULL, lock_acquired_at=NULL, version=version+1
		WHERE lock_acquired_at <= `+staleBefore("$1")+`
		RETURNING `+taskColumns,
		timeoutSeconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("sweep stale locks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swept task: %w", err)
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swept tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) LockStatus(ctx context.Context, id, requester string) (LockStatus, error) {
	var (
		holder     sql.NullString
		acquiredAt sql.NullTime
		now        time.Time
	)
	err := s.db.QueryRowContext(ctx, `SELECT lock_holder, lock_acquired_at, NOW() FROM tasks WHERE id=$1`, id).
		Scan(&holder, &acquiredAt, &now)
	if errors.Is(err, sql.ErrNoRows) {
		return LockStatus{}, nil
	}
	if err != nil {
		return LockStatus{}, fmt.Errorf("read lock status: %w", err)
	}

	status := LockStatus{Exists: true}
	if holder.Valid && acquiredAt.Valid {
		st := lock.StatusFor(&holder.String, &acquiredAt.Time, requester, now)
		status.Locked, status.Holder = st.Locked, st.Holder
	}
	return status, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING role, created_at, updated_at
	`, user.ID, user.Email, user.PasswordHash).Scan(&user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
