package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"syncbridge/internal/engine"
	"syncbridge/internal/mapping"
	"syncbridge/internal/metrics"
	"syncbridge/internal/remote"
	"syncbridge/internal/remote/airtable"
	"syncbridge/internal/syncerr"
	"syncbridge/internal/tracker"
)

// Syncer is the single-record executor surface the processor drives.
type Syncer interface {
	SyncSourceRecord(ctx context.Context, module, sourceID string) (*engine.Stats, error)
	SyncDatastoreRow(ctx context.Context, module, rowID string) (*engine.Stats, error)
}

// PayloadLister fetches webhook payload history. Implemented by the
// airtable client.
type PayloadLister interface {
	ListWebhookPayloads(ctx context.Context, webhookID string, cursor int, limit int) ([]airtable.WebhookPayload, int, bool, error)
}

// TableResolver maps a module name to its datastore table. Implemented by
// the airtable client.
type TableResolver interface {
	ResolveTable(ctx context.Context, module string) (airtable.TableRef, error)
}

// MappingSource is the registry surface used to translate payload field IDs.
type MappingSource interface {
	EnsureInitialized(ctx context.Context, module string) error
	Get(module string) *mapping.Snapshot
}

// Delayed-fetch protocol constants.
const (
	payloadFetchDelay = 2 * time.Second
	payloadFetchLimit = 50
	payloadRetries    = 3
	payloadRetryGap   = time.Second

	freshWindow = 30 * time.Second
	nearWindow  = 5 * time.Minute
)

// ProcessorOptions configures the ingest workers.
type ProcessorOptions struct {
	Modules   []string // modules eligible for event-driven sync
	QueueSize int      // default 256
	Workers   int      // default 2
}

// Processor consumes the event queue and hands single-record sync requests
// to the executor.
type Processor struct {
	queue    chan Event
	syncer   Syncer
	payloads PayloadLister
	tables   TableResolver
	registry MappingSource
	tracker  *tracker.Tracker
	metrics  *metrics.Metrics
	log      *zap.Logger
	modules  []string

	workers int

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewProcessor wires the ingest pipeline. payloads and tables may be the
// same airtable client value.
func NewProcessor(syncer Syncer, payloads PayloadLister, tables TableResolver, registry MappingSource,
	trk *tracker.Tracker, m *metrics.Metrics, log *zap.Logger, opts ProcessorOptions) *Processor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	return &Processor{
		queue:    make(chan Event, opts.QueueSize),
		syncer:   syncer,
		payloads: payloads,
		tables:   tables,
		registry: registry,
		tracker:  trk,
		metrics:  m,
		log:      log,
		modules:  opts.Modules,
		workers:  opts.Workers,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue accepts an event without blocking. A full queue drops the event;
// the bulk reconciliation pass catches anything dropped here.
func (p *Processor) Enqueue(ev Event) bool {
	ev.ID = uuid.NewString()
	ev.ReceivedAt = p.now()
	select {
	case p.queue <- ev:
		return true
	default:
		p.log.Warn("event queue full, dropping notification")
		return false
	}
}

// Run consumes events until the context ends.
func (p *Processor) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-p.queue:
					p.handle(ctx, ev)
				}
			}
		}()
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

func (p *Processor) handle(ctx context.Context, ev Event) {
	p.log.Debug("processing event",
		zap.String("delivery", ev.ID),
		zap.Duration("queued", p.now().Sub(ev.ReceivedAt)))
	switch {
	case ev.Direct != nil:
		p.handleDirect(ctx, *ev.Direct)
	case ev.Handle != nil:
		p.handleRef(ctx, *ev.Handle)
	}
}

func (p *Processor) handleDirect(ctx context.Context, ch DirectChange) {
	log := p.log.With(zap.String("module", ch.Module), zap.String("record", ch.RecordID))

	// A record this process wrote moments ago is the echo of our own sync.
	if p.tracker.RecentlySynced(ch.System, ch.RecordID) {
		p.metrics.ObserveSuppressed(string(ch.System))
		log.Debug("notification suppressed, recently synced")
		return
	}

	var err error
	switch ch.System {
	case remote.SystemSource:
		_, err = p.syncer.SyncSourceRecord(ctx, ch.Module, ch.RecordID)
	case remote.SystemDatastore:
		_, err = p.syncer.SyncDatastoreRow(ctx, ch.Module, ch.RecordID)
	}
	if err != nil {
		if syncerr.IsKind(err, syncerr.KindNotFound) && ch.Deleted {
			log.Debug("deleted record already gone on both sides")
			return
		}
		log.Warn("event-driven sync failed", zap.Error(err))
	}
}

// handleRef runs the delayed payload fetch protocol, then dispatches every
// changed row that the loop-prevention tracker does not suppress.
func (p *Processor) handleRef(ctx context.Context, ref HandleRef) {
	if err := p.sleep(ctx, payloadFetchDelay); err != nil {
		return
	}

	payload, ok := p.fetchCandidate(ctx, ref)
	if !ok {
		return
	}

	tableModules, err := p.tableIndex(ctx)
	if err != nil {
		p.log.Warn("cannot resolve datastore tables", zap.Error(err))
		return
	}

	for tableID, table := range payload.ChangedTables {
		module, ok := tableModules[tableID]
		if !ok {
			p.log.Debug("payload for unconfigured table", zap.String("table", tableID))
			continue
		}
		snap := p.registry.Get(module)

		for rowID, rec := range table.ChangedRecords {
			if p.suppressed(snap, rowID, rec) {
				p.metrics.ObserveSuppressed(string(remote.SystemDatastore))
				p.log.Debug("payload change suppressed",
					zap.String("module", module), zap.String("row", rowID))
				continue
			}
			if _, err := p.syncer.SyncDatastoreRow(ctx, module, rowID); err != nil {
				p.log.Warn("payload-driven sync failed", zap.String("module", module),
					zap.String("row", rowID), zap.Error(err))
			}
		}
		for _, rowID := range table.DeletedRecords {
			// Datastore-side deletions are not propagated; the row is gone
			// and the next bulk run re-creates it from the source if the
			// source record still exists.
			p.log.Info("datastore row deleted remotely",
				zap.String("module", module), zap.String("row", rowID))
		}
	}
}

// fetchCandidate selects the payload matching the ping, retrying while the
// history endpoint lags behind the notification. A fresh payload (at or
// shortly after the ping) wins immediately; once retries are exhausted the
// nearest payload within five minutes is taken, then the newest of all.
func (p *Processor) fetchCandidate(ctx context.Context, ref HandleRef) (airtable.WebhookPayload, bool) {
	var payloads []airtable.WebhookPayload
	for attempt := 0; ; attempt++ {
		var err error
		payloads, err = p.listNewest(ctx, ref.WebhookID)
		if err != nil {
			p.log.Warn("payload fetch failed", zap.String("webhook", ref.WebhookID), zap.Error(err))
			return airtable.WebhookPayload{}, false
		}

		if payload, ok := pickFresh(payloads, ref.Timestamp); ok {
			return payload, true
		}
		if attempt >= payloadRetries {
			break
		}
		if err := p.sleep(ctx, payloadRetryGap); err != nil {
			return airtable.WebhookPayload{}, false
		}
	}

	if payload, ok := pickFallback(payloads, ref.Timestamp); ok {
		return payload, true
	}

	// Give up silently: the periodic reconciliation covers the gap.
	p.log.Debug("no payloads after retries", zap.String("webhook", ref.WebhookID))
	return airtable.WebhookPayload{}, false
}

// listNewest drains the payload history and keeps the trailing window. The
// history cursor walks oldest-first, so the first page of a long history is
// stale; only the tail can hold the payload matching a fresh ping.
func (p *Processor) listNewest(ctx context.Context, webhookID string) ([]airtable.WebhookPayload, error) {
	var tail []airtable.WebhookPayload
	cursor := 0
	for {
		payloads, next, more, err := p.payloads.ListWebhookPayloads(ctx, webhookID, cursor, payloadFetchLimit)
		if err != nil {
			return nil, err
		}
		tail = append(tail, payloads...)
		if over := len(tail) - payloadFetchLimit; over > 0 {
			tail = tail[over:]
		}
		if !more {
			return tail, nil
		}
		cursor = next
	}
}

// pickFresh returns the oldest payload at or after the ping within the
// fresh window.
func pickFresh(payloads []airtable.WebhookPayload, pingAt time.Time) (airtable.WebhookPayload, bool) {
	var fresh *airtable.WebhookPayload
	for i := range payloads {
		d := payloads[i].Timestamp.Sub(pingAt)
		if d < 0 || d > freshWindow {
			continue
		}
		if fresh == nil || payloads[i].Timestamp.Before(fresh.Timestamp) {
			fresh = &payloads[i]
		}
	}
	if fresh != nil {
		return *fresh, true
	}
	return airtable.WebhookPayload{}, false
}

// pickFallback returns the payload nearest the ping within five minutes,
// else the newest of all.
func pickFallback(payloads []airtable.WebhookPayload, pingAt time.Time) (airtable.WebhookPayload, bool) {
	if len(payloads) == 0 {
		return airtable.WebhookPayload{}, false
	}

	var near *airtable.WebhookPayload
	var nearDist time.Duration
	for i := range payloads {
		d := payloads[i].Timestamp.Sub(pingAt)
		if d < 0 {
			d = -d
		}
		if d > nearWindow {
			continue
		}
		if near == nil || d < nearDist {
			near = &payloads[i]
			nearDist = d
		}
	}
	if near != nil {
		return *near, true
	}

	newest := payloads[0]
	for _, pl := range payloads[1:] {
		if pl.Timestamp.After(newest.Timestamp) {
			newest = pl
		}
	}
	return newest, true
}

// suppressed reports whether every changed cell in the payload matches a
// value this process wrote within the field cooldown.
func (p *Processor) suppressed(snap *mapping.Snapshot, rowID string, rec airtable.ChangedRecord) bool {
	if len(rec.CellValuesByFieldID) == 0 {
		return false
	}
	for fieldID, value := range rec.CellValuesByFieldID {
		name := fieldID
		if snap != nil {
			if resolved, ok := snap.FieldIDToName[fieldID]; ok {
				name = resolved
			}
		}
		if !p.tracker.ShouldSkip(remote.SystemDatastore, rowID, name, value) {
			return false
		}
	}
	return true
}

// tableIndex maps datastore table IDs back to configured module names.
func (p *Processor) tableIndex(ctx context.Context) (map[string]string, error) {
	index := make(map[string]string, len(p.modules))
	for _, module := range p.modules {
		if err := p.registry.EnsureInitialized(ctx, module); err != nil {
			return nil, err
		}
		ref, err := p.tables.ResolveTable(ctx, module)
		if err != nil {
			return nil, err
		}
		index[ref.ID] = module
	}
	return index, nil
}
