package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/SirClappington/itemq/internal/domain"
)

// Handler performs the work for one leased job. Returning nil completes the
// job; any error is classified by the controller into a retry or a
// permanent failure.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Registry maps job types to handlers. Registering a type twice replaces the
// earlier handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Type]Handler)}
}

func (r *Registry) Register(t domain.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) RegisterFunc(t domain.Type, f func(ctx context.Context, job domain.Job) error) {
	r.Register(t, HandlerFunc(f))
}

func (r *Registry) Lookup(t domain.Type) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []domain.Type {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
