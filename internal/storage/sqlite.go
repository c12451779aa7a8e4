package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/domain"
)

// SQLite stores jobs in a single database file. Timestamps are fixed-width
// ISO-8601 text so comparisons in SQL are lexical.
//
// Acquire runs in a BEGIN IMMEDIATE transaction and guards its UPDATE with
// the leasable predicate, treating a zero row count as a lost race.
type SQLite struct {
	db   *sql.DB
	opts options
}

var _ Store = (*SQLite)(nil)

const jobColumns = `id, item_id, type, state, attempt, run_after, locked_by, lock_expires_at,
	last_error_message, created_at, updated_at, started_at, finished_at`

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. ":memory:" is accepted and pinned to one connection.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	if path == "" {
		path = "itemq.db"
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	if path == ":memory:" {
		dsn = "file::memory:?_txlock=immediate"
	} else {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if err := Migrate(ctx, db, DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, opts: buildOptions("sqlite", opts)}, nil
}

func (s *SQLite) Acquire(ctx context.Context, workerID string) (*domain.Job, error) {
	now := s.opts.now()
	nowText := domain.FormatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "acquire job: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE state = 'pending' AND run_after <= ?1
		  AND (locked_by IS NULL OR lock_expires_at IS NULL OR lock_expires_at < ?1)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, nowText).Scan(&id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "acquire job: select")
	}

	expires := domain.FormatTime(now.Add(s.opts.leaseTTL))
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET locked_by = ?1, lock_expires_at = ?2, started_at = ?3, updated_at = ?3
		WHERE id = ?4 AND state = 'pending' AND run_after <= ?3
		  AND (locked_by IS NULL OR lock_expires_at IS NULL OR lock_expires_at < ?3)`,
		workerID, expires, nowText, id)
	if err != nil {
		return nil, errors.Wrap(err, "acquire job: update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "acquire job: rows affected")
	}
	if n != 1 {
		return nil, nil
	}

	j, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, errors.Wrap(err, "acquire job: reread")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "acquire job: commit")
	}

	s.opts.log.Debug("job leased",
		zap.String("job_id", j.ID),
		zap.String("worker_id", workerID),
		zap.String("lock_expires_at", expires))
	return j, nil
}

func (s *SQLite) Complete(ctx context.Context, id string) error {
	now := domain.FormatTime(s.opts.now())
	return s.transition(ctx, "complete job", id, `
		UPDATE jobs SET state = 'completed', finished_at = ?1, updated_at = ?1
		WHERE id = ?2 AND state = 'pending'`, now, id)
}

func (s *SQLite) Fail(ctx context.Context, id, message string) error {
	now := domain.FormatTime(s.opts.now())
	return s.transition(ctx, "fail job", id, `
		UPDATE jobs SET state = 'failed', last_error_message = ?1, finished_at = ?2, updated_at = ?2
		WHERE id = ?3 AND state = 'pending'`, truncateError(message), now, id)
}

func (s *SQLite) Retry(ctx context.Context, id string, next domain.RetrySchedule) error {
	now := domain.FormatTime(s.opts.now())
	return s.transition(ctx, "retry job", id, `
		UPDATE jobs
		SET attempt = ?1, run_after = ?2, last_error_message = ?3, updated_at = ?4,
		    locked_by = NULL, lock_expires_at = NULL
		WHERE id = ?5 AND state = 'pending'`,
		next.Attempt, domain.FormatTime(next.RunAfter), truncateError(next.ErrorMessage), now, id)
}

// transition runs a guarded update. No affected row means either an unknown
// id, reported as ErrNotFound, or a job already terminal, which is a no-op.
func (s *SQLite) transition(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, id)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if stderrors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, id)
	}
	s.opts.log.Debug("transition on terminal job ignored", zap.String("op", op), zap.String("job_id", id))
	return nil
}

func (s *SQLite) Enqueue(ctx context.Context, nj domain.NewJob) (*domain.Job, error) {
	if err := validateNewJob(nj); err != nil {
		return nil, err
	}
	now := s.opts.now()
	runAfter := now
	if nj.RunAfter != nil {
		runAfter = nj.RunAfter.UTC()
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, item_id, type, state, attempt, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?)`,
		id, nj.ItemID, string(nj.Type), domain.FormatTime(runAfter), domain.FormatTime(now), domain.FormatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "enqueue job")
	}
	return s.Get(ctx, id)
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return j, nil
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.LeasableAt.IsZero() {
		at := domain.FormatTime(f.LeasableAt)
		where = append(where, "state = 'pending' AND run_after <= ?",
			"(locked_by IS NULL OR lock_expires_at IS NULL OR lock_expires_at < ?)")
		args = append(args, at, at)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	out := make([]domain.Job, 0)
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "list jobs: scan")
		}
		out = append(out, *j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

func (s *SQLite) Stats(ctx context.Context) (domain.Stats, error) {
	now := domain.FormatTime(s.opts.now())
	var st domain.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'pending' AND locked_by IS NOT NULL
			                   AND lock_expires_at >= ?1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0)
		FROM jobs`, now).Scan(&st.Pending, &st.Leased, &st.Completed, &st.Failed)
	if err != nil {
		return st, errors.Wrap(err, "job stats")
	}
	return st, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		j                     domain.Job
		typ, state            string
		runAfter, createdAt   string
		updatedAt             string
		lockedBy, lastErr     sql.NullString
		lockExpires           sql.NullString
		startedAt, finishedAt sql.NullString
	)
	if err := row.Scan(&j.ID, &j.ItemID, &typ, &state, &j.Attempt, &runAfter, &lockedBy, &lockExpires,
		&lastErr, &createdAt, &updatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	j.Type = domain.Type(typ)
	j.State = domain.State(state)

	var err error
	if j.RunAfter, err = domain.ParseTime(runAfter); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if lockedBy.Valid {
		j.LockedBy = domain.Ptr(lockedBy.String)
	}
	if lastErr.Valid {
		j.LastErrorMessage = domain.Ptr(lastErr.String)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{lockExpires, &j.LockExpiresAt},
		{startedAt, &j.StartedAt},
		{finishedAt, &j.FinishedAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := domain.ParseTime(f.src.String)
		if err != nil {
			return nil, err
		}
		*f.dst = &t
	}
	return &j, nil
}
