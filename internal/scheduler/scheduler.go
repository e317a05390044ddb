// Package scheduler drives periodic reconciliation: a cron-scheduled bulk
// pass over full inventories and a faster poll loop over recent changes.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"syncbridge/internal/engine"
	"syncbridge/internal/remote"
	"syncbridge/internal/syncerr"
	"syncbridge/internal/tracker"
)

// Runner is the executor surface the drivers call.
type Runner interface {
	SyncModule(ctx context.Context, module string) (*engine.Stats, error)
	SyncRecords(ctx context.Context, module string, sourceRecs, datastoreRecs []remote.Record) (*engine.Stats, error)
}

// Bulk runs a full-inventory reconciliation of every configured module on a
// cron schedule. Modules run sequentially; a tick that fires while the
// previous run is still going is skipped.
type Bulk struct {
	modules []string
	runner  Runner
	log     *zap.Logger

	cron    *cron.Cron
	running atomic.Bool

	ctx context.Context
}

// NewBulk builds the bulk driver.
func NewBulk(runner Runner, modules []string, log *zap.Logger) *Bulk {
	return &Bulk{
		modules: modules,
		runner:  runner,
		log:     log,
		cron:    cron.New(),
	}
}

// Start registers the schedule and begins firing. The context bounds every
// run started after it.
func (b *Bulk) Start(ctx context.Context, schedule string) error {
	b.ctx = ctx
	if _, err := b.cron.AddFunc(schedule, b.Tick); err != nil {
		return syncerr.Wrap(syncerr.KindConfigInvalid, "scheduler.Start", err)
	}
	b.cron.Start()
	b.log.Info("bulk schedule active", zap.String("schedule", schedule),
		zap.Strings("modules", b.modules))
	return nil
}

// Stop halts the schedule and waits for an in-flight run to return.
func (b *Bulk) Stop() {
	<-b.cron.Stop().Done()
}

// Tick runs one full pass over the configured modules. Reentrant calls
// return immediately.
func (b *Bulk) Tick() {
	if !b.running.CompareAndSwap(false, true) {
		b.log.Warn("previous bulk run still in progress, skipping tick")
		return
	}
	defer b.running.Store(false)

	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, module := range b.modules {
		if ctx.Err() != nil {
			return
		}
		if _, err := b.runner.SyncModule(ctx, module); err != nil {
			b.log.Error("bulk run failed", zap.String("module", module), zap.Error(err))
		}
	}
}

// Poll queries both remotes for records modified since the last tick and
// reconciles only those. The record-scoped tracker cooldown debounces rows
// this process wrote moments ago.
type Poll struct {
	interval  time.Duration
	modules   []string
	source    remote.Client
	datastore remote.Client
	runner    Runner
	tracker   *tracker.Tracker
	log       *zap.Logger

	mu       sync.Mutex
	lastTick map[string]time.Time

	now func() time.Time
}

// NewPoll builds the poll driver.
func NewPoll(runner Runner, source, datastore remote.Client, trk *tracker.Tracker,
	modules []string, interval time.Duration, log *zap.Logger) *Poll {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poll{
		interval:  interval,
		modules:   modules,
		source:    source,
		datastore: datastore,
		runner:    runner,
		tracker:   trk,
		log:       log,
		lastTick:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run polls until the context ends.
func (p *Poll) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, module := range p.modules {
				p.PollModule(ctx, module)
			}
		}
	}
}

// PollModule reconciles one module's changes since its last tick.
func (p *Poll) PollModule(ctx context.Context, module string) {
	tickStart := p.now()
	since := p.sinceFor(module, tickStart)

	sourceRecs, err := remote.ListChanges(ctx, p.source, module, since)
	if err != nil {
		p.log.Warn("source change listing failed", zap.String("module", module), zap.Error(err))
		return
	}
	datastoreRecs, err := remote.ListChanges(ctx, p.datastore, module, since)
	if err != nil {
		p.log.Warn("datastore change listing failed", zap.String("module", module), zap.Error(err))
		return
	}

	sourceRecs = p.debounce(remote.SystemSource, sourceRecs)
	datastoreRecs = p.debounce(remote.SystemDatastore, datastoreRecs)

	if len(sourceRecs) == 0 && len(datastoreRecs) == 0 {
		p.advance(module, tickStart)
		return
	}

	if _, err := p.runner.SyncRecords(ctx, module, sourceRecs, datastoreRecs); err != nil {
		p.log.Warn("poll sync failed", zap.String("module", module), zap.Error(err))
		// Keep the old watermark so the next tick retries these records.
		return
	}
	p.advance(module, tickStart)
	p.log.Debug("poll tick complete", zap.String("module", module),
		zap.Int("source_changes", len(sourceRecs)),
		zap.Int("datastore_changes", len(datastoreRecs)))
}

func (p *Poll) sinceFor(module string, tickStart time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if since, ok := p.lastTick[module]; ok {
		return since
	}
	return tickStart.Add(-p.interval)
}

func (p *Poll) advance(module string, tickStart time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTick[module] = tickStart
}

// debounce drops records this process wrote within the record cooldown;
// their modification timestamps are echoes of our own sync.
func (p *Poll) debounce(system remote.System, recs []remote.Record) []remote.Record {
	out := recs[:0]
	for _, rec := range recs {
		if p.tracker.RecentlySynced(system, rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
