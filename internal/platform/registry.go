package platform

import (
	"context"
	"sync"

	"notifybridge/internal/notification"
)

// Registry records whether the bridge's grouping exists. The first
// successful creation wins; later calls are no-ops. A failed creation is
// retried on the next call.
type Registry struct {
	mu         sync.Mutex
	grouping   notification.Grouping
	registered bool
	attempts   int
}

func NewRegistry(g notification.Grouping) *Registry {
	return &Registry{grouping: g}
}

// Ensure invokes create at most once successfully. It reports whether this
// call performed the creation.
func (r *Registry) Ensure(ctx context.Context, create func(context.Context, notification.Grouping) error) (notification.Grouping, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.grouping.Clone()
	if r.registered {
		return g, false, nil
	}
	r.attempts++
	if err := create(ctx, g); err != nil {
		return g, false, err
	}
	r.registered = true
	return g, true, nil
}

// Grouping returns a copy of the configured grouping.
func (r *Registry) Grouping() notification.Grouping {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grouping.Clone()
}

func (r *Registry) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

func (r *Registry) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
