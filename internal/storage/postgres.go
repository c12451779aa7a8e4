package storage

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/domain"
)

// Postgres is the production job store. Acquire is one statement: a CTE that
// picks the oldest eligible row with FOR UPDATE SKIP LOCKED and leases it, so
// concurrent workers skip each other's candidate rows instead of blocking.
type Postgres struct {
	db   *pgxpool.Pool
	opts options
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an existing pool. The schema must already be migrated.
func NewPostgres(db *pgxpool.Pool, opts ...Option) *Postgres {
	return &Postgres{db: db, opts: buildOptions("postgres", opts)}
}

// OpenPostgres connects to dsn and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	if err := Migrate(ctx, sqlDB, DialectPostgres); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgres(pool, opts...), nil
}

// Pool exposes the underlying pool, e.g. for advisory locks.
func (s *Postgres) Pool() *pgxpool.Pool { return s.db }

func (s *Postgres) Acquire(ctx context.Context, workerID string) (*domain.Job, error) {
	now := s.opts.now()
	expires := now.Add(s.opts.leaseTTL)

	row := s.db.QueryRow(ctx, `
with next as (
	select id from jobs
	where state = 'pending'
	  and run_after <= $2
	  and (locked_by is null or lock_expires_at is null or lock_expires_at < $2)
	order by run_after asc, created_at asc
	limit 1
	for update skip locked
)
update jobs j
   set locked_by = $1,
       lock_expires_at = $3,
       started_at = $2,
       updated_at = $2
  from next
 where j.id = next.id
returning `+qualified("j"), workerID, now, expires)

	j, err := scanPgJob(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "acquire job")
	}

	s.opts.log.Debug("job leased",
		zap.String("job_id", j.ID),
		zap.String("worker_id", workerID),
		zap.Time("lock_expires_at", expires))
	return j, nil
}

func (s *Postgres) Complete(ctx context.Context, id string) error {
	return s.transition(ctx, "complete job", id, `
update jobs set state = 'completed', finished_at = $2, updated_at = $2
 where id = $1 and state = 'pending'`, id, s.opts.now())
}

func (s *Postgres) Fail(ctx context.Context, id, message string) error {
	return s.transition(ctx, "fail job", id, `
update jobs set state = 'failed', last_error_message = $2, finished_at = $3, updated_at = $3
 where id = $1 and state = 'pending'`, id, truncateError(message), s.opts.now())
}

func (s *Postgres) Retry(ctx context.Context, id string, next domain.RetrySchedule) error {
	return s.transition(ctx, "retry job", id, `
update jobs
   set attempt = $2, run_after = $3, last_error_message = $4, updated_at = $5,
       locked_by = null, lock_expires_at = null
 where id = $1 and state = 'pending'`,
		id, next.Attempt, next.RunAfter.UTC(), truncateError(next.ErrorMessage), s.opts.now())
}

func (s *Postgres) transition(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `select exists(select 1 from jobs where id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "%s %s", op, id)
	}
	if !exists {
		return ErrNotFound
	}
	s.opts.log.Debug("transition on terminal job ignored", zap.String("op", op), zap.String("job_id", id))
	return nil
}

func (s *Postgres) Enqueue(ctx context.Context, nj domain.NewJob) (*domain.Job, error) {
	if err := validateNewJob(nj); err != nil {
		return nil, err
	}
	now := s.opts.now()
	runAfter := now
	if nj.RunAfter != nil {
		runAfter = nj.RunAfter.UTC()
	}
	row := s.db.QueryRow(ctx, `insert into jobs(
id, item_id, type, state, attempt, run_after, created_at, updated_at
) values ($1,$2,$3,'pending',0,$4,$5,$5)
returning `+jobColumns,
		uuid.NewString(), nj.ItemID, string(nj.Type), runAfter, now)
	j, err := scanPgJob(row)
	if err != nil {
		return nil, errors.Wrap(err, "enqueue job")
	}
	return j, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanPgJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return j, nil
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, "state = $"+strconv.Itoa(len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, "type = $"+strconv.Itoa(len(args)))
	}
	if !f.LeasableAt.IsZero() {
		args = append(args, f.LeasableAt.UTC())
		n := strconv.Itoa(len(args))
		where = append(where, "state = 'pending' and run_after <= $"+n,
			"(locked_by is null or lock_expires_at is null or lock_expires_at < $"+n+")")
	}
	q := `select ` + jobColumns + ` from jobs`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.limit())
	q += " order by created_at asc, id asc limit $" + strconv.Itoa(len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	out := make([]domain.Job, 0)
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "list jobs: scan")
		}
		out = append(out, *j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

func (s *Postgres) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.db.QueryRow(ctx, `
select
	count(*) filter (where state = 'pending'),
	count(*) filter (where state = 'pending' and locked_by is not null and lock_expires_at >= $1),
	count(*) filter (where state = 'completed'),
	count(*) filter (where state = 'failed')
from jobs`, s.opts.now()).Scan(&st.Pending, &st.Leased, &st.Completed, &st.Failed)
	if err != nil {
		return st, errors.Wrap(err, "job stats")
	}
	return st, nil
}

// TryAdvisoryLock takes a session-level advisory lock on its own connection.
// The returned release func unlocks and returns the connection to the pool.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return false, nil, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return false, nil, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return false, func() {}, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `select pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return true, release, nil
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func qualified(alias string) string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanPgJob(row pgx.Row) (*domain.Job, error) {
	var (
		j        domain.Job
		typ      string
		state    string
		runAfter time.Time
	)
	if err := row.Scan(&j.ID, &j.ItemID, &typ, &state, &j.Attempt, &runAfter, &j.LockedBy, &j.LockExpiresAt,
		&j.LastErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	j.Type = domain.Type(typ)
	j.State = domain.State(state)
	j.RunAfter = runAfter.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	for _, t := range []*time.Time{j.LockExpiresAt, j.StartedAt, j.FinishedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return &j, nil
}
