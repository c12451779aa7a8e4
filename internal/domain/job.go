package domain

import "time"

type State string

const (
	Pending   State = "pending"
	Completed State = "completed"
	Failed    State = "failed"
)

// Valid reports whether s is one of the persisted job states.
func (s State) Valid() bool {
	switch s {
	case Pending, Completed, Failed:
		return true
	}
	return false
}

// Terminal states are never leased again.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// Type is the dispatch key into the handler registry. The set is open-ended.
type Type string

const (
	TypeFetchExtract Type = "fetch_extract"
	TypeAITag        Type = "ai_tag"
)

// DefaultLeaseTTL bounds how long a worker owns a job before another worker
// may take it over.
const DefaultLeaseTTL = 5 * time.Minute

type Job struct {
	ID               string     `json:"id"`
	ItemID           string     `json:"item_id"`
	Type             Type       `json:"type"`
	State            State      `json:"state"`
	Attempt          int        `json:"attempt"`
	RunAfter         time.Time  `json:"run_after"`
	LockedBy         *string    `json:"locked_by,omitempty"`
	LockExpiresAt    *time.Time `json:"lock_expires_at,omitempty"`
	LastErrorMessage *string    `json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Leasable reports whether a worker may acquire j at now: pending, eligible,
// and either unlocked or holding an expired lease.
func (j *Job) Leasable(now time.Time) bool {
	if j.State != Pending || j.RunAfter.After(now) {
		return false
	}
	return j.LockedBy == nil || j.LockExpiresAt == nil || j.LockExpiresAt.Before(now)
}

// Leased reports whether j currently carries a lease that has not expired.
func (j *Job) Leased(now time.Time) bool {
	return j.LockedBy != nil && j.LockExpiresAt != nil && !j.LockExpiresAt.Before(now)
}

// NewJob is what a producer supplies to enqueue work against an item.
type NewJob struct {
	ItemID   string     `json:"item_id"`
	Type     Type       `json:"type"`
	RunAfter *time.Time `json:"run_after,omitempty"`
}

// RetrySchedule is the outcome of a failed attempt that will be retried.
type RetrySchedule struct {
	Attempt      int       `json:"attempt"`
	RunAfter     time.Time `json:"run_after"`
	DelayMinutes int       `json:"delay_minutes"`
	ErrorMessage string    `json:"error_message"`
}

// Stats counts jobs by state. Leased is the subset of Pending holding a live lease.
type Stats struct {
	Pending   int64 `json:"pending"`
	Leased    int64 `json:"leased"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// TimeLayout is the fixed-width ISO-8601 form used wherever timestamps are
// stored as text, so that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func ParseTime(s string) (time.Time, error) { return time.Parse(TimeLayout, s) }

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
