package mapping

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"syncbridge/internal/syncerr"
)

// DefaultRefreshInterval is how often a module's mapping is re-read from
// the metadata tables.
const DefaultRefreshInterval = 5 * time.Minute

// Registry owns the per-module mapping snapshots. Initialization is
// single-flight per module; a background refresher keeps each snapshot
// current; readers are wait-free.
type Registry struct {
	loader   Loader
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	modules map[string]*moduleState
	sf      singleflight.Group
}

type moduleState struct {
	snap   atomic.Pointer[Snapshot]
	ready  chan struct{} // closed after the first successful load
	cancel context.CancelFunc
}

// NewRegistry builds a registry around the given loader.
func NewRegistry(loader Loader, interval time.Duration, log *zap.Logger) *Registry {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Registry{
		loader:   loader,
		interval: interval,
		log:      log,
		modules:  make(map[string]*moduleState),
	}
}

// Initialize loads the module's mapping and starts its periodic refresher.
// Concurrent calls for the same module collapse to a single load.
func (r *Registry) Initialize(ctx context.Context, module string) error {
	_, err, _ := r.sf.Do(module, func() (any, error) {
		state := r.state(module)
		if state.snap.Load() != nil {
			return nil, nil
		}

		snap, err := r.loader.Load(ctx, module)
		if err != nil {
			return nil, err
		}
		r.publish(module, state, snap)
		return nil, nil
	})
	return err
}

// EnsureInitialized blocks until the module has a published snapshot or ctx
// expires. It triggers initialization if nobody else has.
func (r *Registry) EnsureInitialized(ctx context.Context, module string) error {
	state := r.state(module)
	if state.snap.Load() != nil {
		return nil
	}
	errCh := make(chan error, 1)
	go func() { errCh <- r.Initialize(ctx, module) }()
	select {
	case <-ctx.Done():
		return syncerr.Wrap(syncerr.KindRegistryEmpty, "mapping.EnsureInitialized", ctx.Err())
	case err := <-errCh:
		return err
	case <-state.ready:
		return nil
	}
}

// Get returns the current snapshot, or nil when the module was never
// initialized. Wait-free.
func (r *Registry) Get(module string) *Snapshot {
	r.mu.Lock()
	state, ok := r.modules[module]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return state.snap.Load()
}

// Destroy stops the module's refresher and drops its snapshot.
func (r *Registry) Destroy(module string) {
	r.mu.Lock()
	state, ok := r.modules[module]
	delete(r.modules, module)
	r.mu.Unlock()
	if ok && state.cancel != nil {
		state.cancel()
	}
}

// DestroyAll tears down every module.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	states := r.modules
	r.modules = make(map[string]*moduleState)
	r.mu.Unlock()
	for _, state := range states {
		if state.cancel != nil {
			state.cancel()
		}
	}
}

// Export writes the module's snapshot as indented JSON to path, or to
// stdout when path is empty.
func (r *Registry) Export(module, path string) error {
	snap := r.Get(module)
	if snap == nil {
		return syncerr.New(syncerr.KindRegistryEmpty, "mapping.Export",
			"module %q not initialized", module)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "mapping.Export", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Import warm-starts a module from a previously exported snapshot file, so
// the engine can serve reads before the first metadata round trip. The
// refresher started here replaces the snapshot as soon as a live load
// succeeds.
func (r *Registry) Import(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindConfigInvalid, "mapping.Import", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return "", syncerr.Wrap(syncerr.KindConfigInvalid, "mapping.Import", err)
	}
	if snap.Empty() {
		return "", syncerr.New(syncerr.KindRegistryEmpty, "mapping.Import",
			"snapshot %s carries no usable mapping", path)
	}

	state := r.state(snap.Module)
	r.publish(snap.Module, state, &snap)
	r.log.Info("mapping imported from snapshot",
		zap.String("module", snap.Module), zap.String("path", path))
	return snap.Module, nil
}

func (r *Registry) state(module string) *moduleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.modules[module]
	if !ok {
		state = &moduleState{ready: make(chan struct{})}
		r.modules[module] = state
	}
	return state
}

// publish swaps in a fresh snapshot and, on first publish, signals readiness
// and starts the refresher.
func (r *Registry) publish(module string, state *moduleState, snap *Snapshot) {
	first := state.snap.Swap(snap) == nil
	if !first {
		return
	}
	close(state.ready)

	// cancel is installed under the lock so a concurrent Destroy either
	// sees it or has already dropped the state, in which case no refresher
	// should start at all.
	refreshCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.modules[module] != state {
		r.mu.Unlock()
		cancel()
		return
	}
	state.cancel = cancel
	r.mu.Unlock()
	go r.refreshLoop(refreshCtx, module, state)
}

// refreshLoop re-reads the mapping periodically. Failures keep the prior
// snapshot in place.
func (r *Registry) refreshLoop(ctx context.Context, module string, state *moduleState) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := r.loader.Load(ctx, module)
		if err != nil {
			r.log.Warn("mapping refresh failed, keeping previous snapshot",
				zap.String("module", module), zap.Error(err))
			continue
		}
		state.snap.Store(snap)
		r.log.Debug("mapping refreshed",
			zap.String("module", module), zap.Int("fields", len(snap.Fields)))
	}
}
