package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/domain"
)

// Memory is a process-local store. A single mutex around every operation
// provides the same exclusivity a transactional backend gives Acquire.
type Memory struct {
	opts options
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

var _ Store = (*Memory)(nil)

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts: buildOptions("memory", opts),
		jobs: make(map[string]*domain.Job),
	}
}

func (m *Memory) Acquire(_ context.Context, workerID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var next *domain.Job
	for _, j := range m.jobs {
		if !j.Leasable(now) {
			continue
		}
		if next == nil || j.RunAfter.Before(next.RunAfter) ||
			(j.RunAfter.Equal(next.RunAfter) && j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	expires := now.Add(m.opts.leaseTTL)
	next.LockedBy = domain.Ptr(workerID)
	next.LockExpiresAt = &expires
	next.StartedAt = domain.Ptr(now)
	next.UpdatedAt = now

	m.opts.log.Debug("job leased",
		zap.String("job_id", next.ID),
		zap.String("worker_id", workerID),
		zap.Time("lock_expires_at", expires))

	return cloneJob(next), nil
}

func (m *Memory) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != domain.Pending {
		return nil
	}
	now := m.opts.now()
	j.State = domain.Completed
	j.FinishedAt = domain.Ptr(now)
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Fail(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != domain.Pending {
		return nil
	}
	now := m.opts.now()
	j.State = domain.Failed
	j.LastErrorMessage = domain.Ptr(truncateError(message))
	j.FinishedAt = domain.Ptr(now)
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Retry(_ context.Context, id string, next domain.RetrySchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != domain.Pending {
		return nil
	}
	j.Attempt = next.Attempt
	j.RunAfter = next.RunAfter.UTC()
	j.LastErrorMessage = domain.Ptr(truncateError(next.ErrorMessage))
	j.LockedBy = nil
	j.LockExpiresAt = nil
	j.UpdatedAt = m.opts.now()
	return nil
}

func (m *Memory) Enqueue(_ context.Context, nj domain.NewJob) (*domain.Job, error) {
	if err := validateNewJob(nj); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	j := &domain.Job{
		ID:        uuid.NewString(),
		ItemID:    nj.ItemID,
		Type:      nj.Type,
		State:     domain.Pending,
		RunAfter:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if nj.RunAfter != nil {
		j.RunAfter = nj.RunAfter.UTC()
	}
	m.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Job, 0)
	for _, j := range m.jobs {
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if !f.LeasableAt.IsZero() && !j.Leasable(f.LeasableAt.UTC()) {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var s domain.Stats
	for _, j := range m.jobs {
		switch j.State {
		case domain.Pending:
			s.Pending++
			if j.Leased(now) {
				s.Leased++
			}
		case domain.Completed:
			s.Completed++
		case domain.Failed:
			s.Failed++
		}
	}
	return s, nil
}

func (m *Memory) Close() error { return nil }

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.LockedBy = clonePtr(j.LockedBy)
	c.LockExpiresAt = clonePtr(j.LockExpiresAt)
	c.LastErrorMessage = clonePtr(j.LastErrorMessage)
	c.StartedAt = clonePtr(j.StartedAt)
	c.FinishedAt = clonePtr(j.FinishedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
