package abac

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/abac/logger"
)

// SnapshotLoader reads the authored state. Repository implements it.
type SnapshotLoader interface {
	Load(ctx context.Context) (SnapshotData, error)
}

// Refresher keeps a periodically rebuilt snapshot. Evaluations read it lock-free;
// a rebuild swaps the pointer. The revision only moves when the loaded data changed.
type Refresher struct {
	loader   SnapshotLoader
	compiler *Compiler
	logger   logger.Logger
	interval time.Duration

	current     atomic.Pointer[Snapshot]
	refreshMu   sync.Mutex
	fingerprint string

	invalidateCh chan struct{}
	stopCh       chan struct{}
	mu           sync.Mutex
	started      bool
	cancels      []context.CancelFunc
	wg           sync.WaitGroup
}

type RefresherOption func(*Refresher)

func WithRefreshInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithRefresherLogger(l logger.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// WithCompiler shares a compiled-policy cache across refreshes.
func WithCompiler(c *Compiler) RefresherOption {
	return func(r *Refresher) { r.compiler = c }
}

// NewRefresher loads the first snapshot synchronously; a failure there is returned.
func NewRefresher(ctx context.Context, loader SnapshotLoader, opts ...RefresherOption) (*Refresher, error) {
	if loader == nil {
		return nil, fmt.Errorf("snapshot loader is required")
	}
	r := &Refresher{
		loader:       loader,
		interval:     30 * time.Second,
		invalidateCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.OrDefault(r.logger)
	if _, err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current snapshot.
func (r *Refresher) Snapshot() *Snapshot { return r.current.Load() }

// Refresh reloads the data and swaps in a new snapshot when it changed. On error the
// previous snapshot stays in place.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	data, err := r.loader.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	fp, err := data.Fingerprint()
	if err != nil {
		return false, err
	}
	prev := r.current.Load()
	if prev != nil && fp == r.fingerprint {
		return false, nil
	}
	var rev uint64 = 1
	if prev != nil {
		rev = prev.Revision + 1
	}
	snap := NewSnapshot(rev, data, r.compiler)
	for _, c := range snap.Roles.Cycles() {
		r.logger.Error("role hierarchy cycle", "role_id", c.RoleID, "error", c)
	}
	r.current.Store(snap)
	r.fingerprint = fp
	r.logger.Info("snapshot refreshed", "revision", int(rev), "policies", snap.Policies.Len())
	return true, nil
}

// Invalidate asks the running loop for an early refresh. Calls coalesce.
func (r *Refresher) Invalidate() {
	select {
	case r.invalidateCh <- struct{}{}:
	default:
	}
}

// NotifyChange lets a Repository trigger a refresh after each write.
func (r *Refresher) NotifyChange(_ context.Context, kind, key string) error {
	r.logger.Debug("snapshot invalidated", "kind", kind, "key", key)
	r.Invalidate()
	return nil
}

func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-r.invalidateCh:
			case <-ticker.C:
			}
			if _, err := r.Refresh(ctx); err != nil {
				r.logger.Error("snapshot refresh failed", "error", err)
			}
		}
	}()
}

// Watch invalidates the snapshot whenever sub delivers a change, until Stop.
func (r *Refresher) Watch(ctx context.Context, sub ChangeSubscriber) {
	wctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels = append(r.cancels, cancel)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := sub.Listen(wctx, func(kind, key string) {
			r.logger.Debug("remote change", "kind", kind, "key", key)
			r.Invalidate()
		})
		if err != nil && wctx.Err() == nil {
			r.logger.Error("change subscription ended", "error", err)
		}
	}()
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	if r.started {
		r.started = false
		close(r.stopCh)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
