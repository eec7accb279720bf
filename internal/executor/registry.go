package executor

import (
	"context"
	"strings"
	"sync"
)

const (
	ClassSync   = "sync"
	ClassDelete = "delete"
)

// ClassConfig is the ceiling and retry policy for one job class. Sync and
// delete each get their own, so a slow external API for deletes cannot
// starve syncs.
type ClassConfig struct {
	Limit int
	Retry RetryConfig
}

type executorKey struct {
	orgID string
	class string
}

// Registry hands out one Executor per (organisation, job class) pair, created
// lazily. Cancelling an organisation cancels both of its executors; other
// tenants are untouched.
type Registry struct {
	classes map[string]ClassConfig

	mu    sync.Mutex
	execs map[executorKey]*Executor
}

func NewRegistry(sync, del ClassConfig) *Registry {
	return &Registry{
		classes: map[string]ClassConfig{
			ClassSync:   sync,
			ClassDelete: del,
		},
		execs: make(map[executorKey]*Executor),
	}
}

// For returns the executor for the given tenant and class.
func (r *Registry) For(orgID, class string) *Executor {
	orgID = strings.TrimSpace(orgID)
	key := executorKey{orgID: orgID, class: class}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.execs[key]; ok {
		return ex
	}
	cfg := r.classes[class]
	ex := New(class, cfg.Limit, cfg.Retry)
	r.execs[key] = ex
	return ex
}

// CancelOrg cooperatively cancels all executors belonging to one tenant,
// part of the offboarding cascade. The canceled executors are dropped from
// the registry so a tenant that onboards again starts with fresh ones.
func (r *Registry) CancelOrg(orgID string) {
	orgID = strings.TrimSpace(orgID)

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ex := range r.execs {
		if key.orgID == orgID {
			ex.Cancel()
			delete(r.execs, key)
		}
	}
}

// Drain waits for all in-flight tasks across all tenants, up to ctx's
// deadline. Tasks still running when ctx expires are abandoned; their cursors
// stay intact for resumption on restart.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	execs := make([]*Executor, 0, len(r.execs))
	for _, ex := range r.execs {
		execs = append(execs, ex)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, ex := range execs {
			ex.Wait()
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
