// Package engine executes sync plans: bucket by bucket, batched where the
// datastore allows it, with loop-prevention entries recorded ahead of every
// write.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"syncbridge/internal/mapping"
	"syncbridge/internal/metrics"
	"syncbridge/internal/plan"
	"syncbridge/internal/remote"
	"syncbridge/internal/syncerr"
	"syncbridge/internal/tracker"
)

// MappingSource is the registry surface the executor consumes.
type MappingSource interface {
	EnsureInitialized(ctx context.Context, module string) error
	Get(module string) *mapping.Snapshot
}

// SourceIDFinder locates the datastore row bound to a source record.
// Implemented by the airtable client.
type SourceIDFinder interface {
	FindBySourceID(ctx context.Context, module, sourceIDField, id string) (remote.Record, error)
}

// Options tunes the executor.
type Options struct {
	DryRun           bool
	Concurrency      int           // per-bucket fan-out, default 4
	CoalescingWindow time.Duration // default 30s
	ModuleTimeout    time.Duration // soft per-module deadline, default 10m

	// Deletion pass configuration. Rows whose source record vanished get
	// the marker value written to the status field.
	DeletedStatusField string
	DeletedStatusValue string

	// PruneSourceOrphans deletes source records older than OrphanAge that
	// have no datastore counterpart, instead of propagating them. Off by
	// default: unreferenced source records are created in the datastore.
	PruneSourceOrphans bool
	OrphanAge          time.Duration // default 24h

	ShortCircuitCompare bool
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.CoalescingWindow <= 0 {
		o.CoalescingWindow = plan.DefaultCoalescingWindow
	}
	if o.ModuleTimeout <= 0 {
		o.ModuleTimeout = 10 * time.Minute
	}
	if o.OrphanAge <= 0 {
		o.OrphanAge = 24 * time.Hour
	}
	if o.DeletedStatusField == "" {
		o.DeletedStatusField = "Sync Status"
	}
	if o.DeletedStatusValue == "" {
		o.DeletedStatusValue = "Deleted in CRM"
	}
	return o
}

// Executor applies sync plans against the two remotes.
type Executor struct {
	source    remote.Client
	datastore remote.Client
	finder    SourceIDFinder
	registry  MappingSource
	tracker   *tracker.Tracker
	metrics   *metrics.Metrics
	ignore    *plan.IgnoreSet
	log       *zap.Logger
	opts      Options

	now func() time.Time
}

// New builds an executor. finder may be nil when the single-record path is
// unused (one-shot bulk runs).
func New(source, datastore remote.Client, finder SourceIDFinder, registry MappingSource,
	trk *tracker.Tracker, m *metrics.Metrics, log *zap.Logger, opts Options) *Executor {
	return &Executor{
		source:    source,
		datastore: datastore,
		finder:    finder,
		registry:  registry,
		tracker:   trk,
		metrics:   m,
		ignore:    plan.DefaultIgnore(),
		log:       log,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// SyncModule runs a full-inventory reconciliation for one module.
func (e *Executor) SyncModule(ctx context.Context, module string) (*Stats, error) {
	snap, err := e.snapshot(ctx, module)
	if err != nil {
		return nil, err
	}

	sourceRecs, err := remote.ListEverything(ctx, e.source, module)
	if err != nil {
		return nil, syncerr.WithModule(err, module)
	}
	datastoreRecs, err := remote.ListEverything(ctx, e.datastore, module)
	if err != nil {
		return nil, syncerr.WithModule(err, module)
	}

	rows := make([]plan.Row, 0, len(datastoreRecs))
	for _, rec := range datastoreRecs {
		rows = append(rows, plan.RowFromRecord(rec, snap))
	}

	p := plan.Build(sourceRecs, rows, snap, plan.Options{
		CoalescingWindow:    e.opts.CoalescingWindow,
		FullInventory:       true,
		ShortCircuitCompare: e.opts.ShortCircuitCompare,
		Ignore:              e.ignore,
	})
	return e.Execute(ctx, module, snap, p, true)
}

// SyncRecords plans and executes over partial inventories (poll driver and
// single-record ingest). The deletion pass never runs here.
func (e *Executor) SyncRecords(ctx context.Context, module string, sourceRecs []remote.Record, datastoreRecs []remote.Record) (*Stats, error) {
	snap, err := e.snapshot(ctx, module)
	if err != nil {
		return nil, err
	}
	rows := make([]plan.Row, 0, len(datastoreRecs))
	for _, rec := range datastoreRecs {
		rows = append(rows, plan.RowFromRecord(rec, snap))
	}

	// Hydrate counterparts the change window missed: a changed row whose
	// source record is quiet still needs its pair to be planned. Deleted
	// source records simply stay absent; incremental runs never delete.
	have := make(map[string]bool, len(sourceRecs))
	for _, rec := range sourceRecs {
		have[rec.ID] = true
	}
	var missing []string
	for _, row := range rows {
		if row.SourceID != "" && !have[row.SourceID] {
			missing = append(missing, row.SourceID)
		}
	}
	if len(missing) > 0 {
		fetched, err := e.source.GetMany(ctx, module, missing)
		if err != nil {
			return nil, syncerr.WithModule(err, module)
		}
		sourceRecs = append(sourceRecs, fetched...)
	}

	p := plan.Build(sourceRecs, rows, snap, plan.Options{
		CoalescingWindow:    e.opts.CoalescingWindow,
		FullInventory:       false,
		ShortCircuitCompare: e.opts.ShortCircuitCompare,
		Ignore:              e.ignore,
	})
	return e.Execute(ctx, module, snap, p, false)
}

// SyncSourceRecord reconciles one record starting from the source side.
func (e *Executor) SyncSourceRecord(ctx context.Context, module, sourceID string) (*Stats, error) {
	snap, err := e.snapshot(ctx, module)
	if err != nil {
		return nil, err
	}

	rec, err := e.source.Get(ctx, module, sourceID)
	if err != nil {
		return nil, syncerr.WithModule(err, module)
	}

	var datastoreRecs []remote.Record
	if e.finder != nil {
		row, err := e.finder.FindBySourceID(ctx, module, snap.SourceIDField, sourceID)
		if err == nil {
			datastoreRecs = append(datastoreRecs, row)
		} else if !syncerr.IsKind(err, syncerr.KindNotFound) {
			return nil, syncerr.WithModule(err, module)
		}
	}
	return e.SyncRecords(ctx, module, []remote.Record{rec}, datastoreRecs)
}

// SyncDatastoreRow reconciles one record starting from the datastore side.
func (e *Executor) SyncDatastoreRow(ctx context.Context, module, rowID string) (*Stats, error) {
	snap, err := e.snapshot(ctx, module)
	if err != nil {
		return nil, err
	}

	rowRec, err := e.datastore.Get(ctx, module, rowID)
	if err != nil {
		return nil, syncerr.WithModule(err, module)
	}
	row := plan.RowFromRecord(rowRec, snap)

	var sourceRecs []remote.Record
	if row.SourceID != "" {
		rec, err := e.source.Get(ctx, module, row.SourceID)
		if err == nil {
			sourceRecs = append(sourceRecs, rec)
		} else if !syncerr.IsKind(err, syncerr.KindNotFound) {
			return nil, syncerr.WithModule(err, module)
		}
	}
	return e.SyncRecords(ctx, module, sourceRecs, []remote.Record{rowRec})
}

// Execute applies the plan bucket by bucket in the contract order:
// create-datastore, create-source, source-to-datastore updates,
// datastore-to-source updates, then the deletion pass on full runs.
func (e *Executor) Execute(ctx context.Context, module string, snap *mapping.Snapshot, p plan.Plan, full bool) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ModuleTimeout)
	defer cancel()

	stats := newStats(module, e.opts.DryRun)
	e.log.Info("executing sync plan", zap.String("module", module),
		zap.String("run_id", stats.RunID),
		zap.Int("create_datastore", len(p.NewInDatastore)),
		zap.Int("create_source", len(p.NewInSource)),
		zap.Int("source_newer", len(p.SourceNewer)),
		zap.Int("datastore_newer", len(p.DatastoreNewer)),
		zap.Int("no_sync", len(p.NoSync)),
		zap.Int("conflicts", len(p.Conflicts)))
	stats.NoSync = len(p.NoSync)
	stats.Duplicates = len(p.DuplicateSourceIDs)
	for _, id := range p.DuplicateSourceIDs {
		e.log.Error("duplicate source binding in datastore, not auto-repaired",
			zap.String("module", module), zap.String("source_id", id))
	}

	createRecs, orphans := e.splitOrphans(p.NewInDatastore, full)

	e.createInDatastore(ctx, module, snap, createRecs, stats)
	e.createInSource(ctx, module, snap, p.NewInSource, stats)
	e.updateDatastore(ctx, module, snap, p.SourceNewer, stats)
	e.updateSource(ctx, module, snap, p.DatastoreNewer, stats)
	if full {
		e.deletionPass(ctx, module, snap, p.Conflicts, orphans, stats)
	}

	stats.Duration = e.now().Sub(stats.StartedAt)
	e.log.Info("module run complete", zap.String("module", module),
		zap.String("run_id", stats.RunID), zap.String("summary", stats.Summary()))

	result := "ok"
	if stats.Failures() > 0 {
		result = "partial"
	}
	e.metrics.ObserveRun(module, result, stats.Duration.Seconds())

	return stats, ctx.Err()
}

func (e *Executor) snapshot(ctx context.Context, module string) (*mapping.Snapshot, error) {
	if err := e.registry.EnsureInitialized(ctx, module); err != nil {
		return nil, syncerr.WithModule(err, module)
	}
	snap := e.registry.Get(module)
	if snap.Empty() {
		return nil, syncerr.WithModule(syncerr.New(syncerr.KindRegistryEmpty, "engine.snapshot",
			"no usable mapping"), module)
	}
	return snap, nil
}

// splitOrphans separates source-only records into ones to create in the
// datastore and, when pruning is enabled on full runs, old orphans to
// delete from the source. Young orphans are always kept.
func (e *Executor) splitOrphans(recs []remote.Record, full bool) (create, orphans []remote.Record) {
	if !e.opts.PruneSourceOrphans || !full {
		return recs, nil
	}
	cutoff := e.now().Add(-e.opts.OrphanAge)
	for _, rec := range recs {
		created := rec.CreatedAt
		if created.IsZero() {
			created = rec.ModifiedAt
		}
		if created.Before(cutoff) {
			orphans = append(orphans, rec)
		} else {
			create = append(create, rec)
		}
	}
	return create, orphans
}

// createInDatastore materializes source-only records as datastore rows via
// batch upsert merged on the source-ID column.
func (e *Executor) createInDatastore(ctx context.Context, module string, snap *mapping.Snapshot, recs []remote.Record, stats *Stats) {
	if len(recs) == 0 {
		return
	}
	stats.planned(BucketCreateDatastore, len(recs))
	if e.opts.DryRun {
		for range recs {
			stats.skipped(BucketCreateDatastore)
			e.metrics.ObserveItem(module, BucketCreateDatastore, "skipped")
		}
		return
	}

	batch := make([]remote.Record, 0, len(recs))
	for _, rec := range recs {
		fields := e.translateToDatastore(snap, rec)
		fields[snap.SourceIDField] = rec.ID
		batch = append(batch, remote.Record{Fields: fields})
	}

	results, err := e.datastore.Upsert(ctx, module, batch, snap.SourceIDField)
	if err != nil {
		e.log.Warn("datastore create batch failed", zap.String("module", module), zap.Error(err))
		for range recs {
			stats.failed(BucketCreateDatastore)
			e.metrics.ObserveItem(module, BucketCreateDatastore, "failed")
		}
		return
	}

	// Results arrive in request order; zip them back to inputs so the
	// tracker learns the new row IDs.
	for i, res := range results {
		if res.Err != nil {
			stats.failed(BucketCreateDatastore)
			e.metrics.ObserveItem(module, BucketCreateDatastore, "failed")
			e.log.Warn("datastore create failed", zap.String("module", module),
				zap.String("source_id", recs[i].ID), zap.Error(res.Err))
			continue
		}
		if i < len(batch) {
			for name, value := range batch[i].Fields {
				e.tracker.MarkWrite(remote.SystemDatastore, res.ID, name, value)
			}
		}
		e.tracker.MarkRecord(remote.SystemDatastore, res.ID)
		e.tracker.MarkRecord(remote.SystemSource, recs[i].ID)
		stats.applied(BucketCreateDatastore)
		e.metrics.ObserveItem(module, BucketCreateDatastore, "applied")
		e.log.Debug("created datastore row", zap.String("module", module),
			zap.String("source_id", recs[i].ID), zap.String("row_id", res.ID))
	}
}

// createInSource materializes unbound datastore rows as source records, then
// writes the new source ID back into the row's binding column.
func (e *Executor) createInSource(ctx context.Context, module string, snap *mapping.Snapshot, rows []plan.Row, stats *Stats) {
	if len(rows) == 0 {
		return
	}
	stats.planned(BucketCreateSource, len(rows))
	if e.opts.DryRun {
		for range rows {
			stats.skipped(BucketCreateSource)
			e.metrics.ObserveItem(module, BucketCreateSource, "skipped")
		}
		return
	}

	for _, row := range rows {
		fields, missing := e.translateToSource(snap, row)
		if len(missing) > 0 {
			stats.failed(BucketCreateSource)
			e.metrics.ObserveItem(module, BucketCreateSource, "failed")
			e.log.Warn("cannot create source record, required fields missing",
				zap.String("module", module), zap.String("row_id", row.ID),
				zap.Strings("missing", missing))
			continue
		}
		if snap.DatastoreIDField != "" {
			fields[snap.DatastoreIDField] = row.ID
		}

		results, err := e.source.Upsert(ctx, module, []remote.Record{{Fields: fields}}, "id")
		if err != nil || len(results) == 0 || results[0].Err != nil {
			if err == nil && len(results) > 0 {
				err = results[0].Err
			}
			stats.failed(BucketCreateSource)
			e.metrics.ObserveItem(module, BucketCreateSource, "failed")
			e.log.Warn("source create failed", zap.String("module", module),
				zap.String("row_id", row.ID), zap.Error(err))
			continue
		}
		sourceID := results[0].ID

		// Bind the row to the new source record so the next run pairs them.
		e.tracker.MarkWrite(remote.SystemDatastore, row.ID, snap.SourceIDField, sourceID)
		if _, err := e.datastore.Update(ctx, module, row.ID, map[string]any{snap.SourceIDField: sourceID}); err != nil {
			stats.failed(BucketCreateSource)
			e.metrics.ObserveItem(module, BucketCreateSource, "failed")
			e.log.Error("source record created but row binding failed",
				zap.String("module", module), zap.String("row_id", row.ID),
				zap.String("source_id", sourceID), zap.Error(err))
			continue
		}

		e.tracker.MarkRecord(remote.SystemSource, sourceID)
		e.tracker.MarkRecord(remote.SystemDatastore, row.ID)
		stats.applied(BucketCreateSource)
		e.metrics.ObserveItem(module, BucketCreateSource, "applied")
		e.log.Debug("created source record", zap.String("module", module),
			zap.String("row_id", row.ID), zap.String("source_id", sourceID))
	}
}

// updateDatastore pushes newer source values into datastore rows. Changed
// rows ride one batch upsert (the client splits it into tens).
func (e *Executor) updateDatastore(ctx context.Context, module string, snap *mapping.Snapshot, pairs []plan.Pair, stats *Stats) {
	if len(pairs) == 0 {
		return
	}
	stats.planned(BucketUpdateDatastore, len(pairs))
	if e.opts.DryRun {
		for range pairs {
			stats.skipped(BucketUpdateDatastore)
			e.metrics.ObserveItem(module, BucketUpdateDatastore, "skipped")
		}
		return
	}

	type change struct {
		pair   plan.Pair
		fields map[string]any
	}
	changes := make([]change, 0, len(pairs))
	for _, pair := range pairs {
		diff := plan.DiffFields(pair, snap, e.ignore)
		if len(diff) == 0 {
			stats.skipped(BucketUpdateDatastore)
			e.metrics.ObserveItem(module, BucketUpdateDatastore, "skipped")
			continue
		}
		fields := make(map[string]any, len(diff))
		for _, entry := range diff {
			name := snap.ResolveDatastoreField(entry)
			value := pair.Source.Fields[entry.SourceName]
			fields[name] = value
			e.tracker.MarkWrite(remote.SystemDatastore, pair.Datastore.ID, name, value)
			e.log.Debug("field update", zap.String("module", module),
				zap.String("row_id", pair.Datastore.ID), zap.String("field", name))
		}
		changes = append(changes, change{pair: pair, fields: fields})
	}
	if len(changes) == 0 {
		return
	}

	batch := make([]remote.Record, 0, len(changes))
	for _, ch := range changes {
		batch = append(batch, remote.Record{ID: ch.pair.Datastore.ID, Fields: ch.fields})
	}
	results, err := e.datastore.Upsert(ctx, module, batch, snap.SourceIDField)
	if err != nil {
		for range changes {
			stats.failed(BucketUpdateDatastore)
			e.metrics.ObserveItem(module, BucketUpdateDatastore, "failed")
		}
		e.log.Warn("datastore update batch failed", zap.String("module", module), zap.Error(err))
		return
	}
	for i, res := range results {
		if res.Err != nil {
			stats.failed(BucketUpdateDatastore)
			e.metrics.ObserveItem(module, BucketUpdateDatastore, "failed")
			continue
		}
		e.tracker.MarkRecord(remote.SystemDatastore, changes[i].pair.Datastore.ID)
		e.tracker.MarkRecord(remote.SystemSource, changes[i].pair.Source.ID)
		stats.applied(BucketUpdateDatastore)
		e.metrics.ObserveItem(module, BucketUpdateDatastore, "applied")
	}
}

// updateSource pushes newer datastore values into source records, one call
// per record with bounded fan-out.
func (e *Executor) updateSource(ctx context.Context, module string, snap *mapping.Snapshot, pairs []plan.Pair, stats *Stats) {
	if len(pairs) == 0 {
		return
	}
	stats.planned(BucketUpdateSource, len(pairs))
	if e.opts.DryRun {
		for range pairs {
			stats.skipped(BucketUpdateSource)
			e.metrics.ObserveItem(module, BucketUpdateSource, "skipped")
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			diff := plan.DiffFields(pair, snap, e.ignore)
			if len(diff) == 0 {
				stats.skipped(BucketUpdateSource)
				e.metrics.ObserveItem(module, BucketUpdateSource, "skipped")
				return nil
			}

			fields := make(map[string]any, len(diff))
			for _, entry := range diff {
				value := pair.Datastore.Fields[snap.ResolveDatastoreField(entry)]
				fields[entry.SourceName] = value
				e.tracker.MarkWrite(remote.SystemSource, pair.Source.ID, entry.SourceName, value)
			}

			if _, err := e.source.Update(gctx, module, pair.Source.ID, fields); err != nil {
				stats.failed(BucketUpdateSource)
				e.metrics.ObserveItem(module, BucketUpdateSource, "failed")
				e.log.Warn("source update failed", zap.String("module", module),
					zap.String("source_id", pair.Source.ID), zap.Error(err))
				return nil
			}
			e.tracker.MarkRecord(remote.SystemSource, pair.Source.ID)
			e.tracker.MarkRecord(remote.SystemDatastore, pair.Datastore.ID)
			stats.applied(BucketUpdateSource)
			e.metrics.ObserveItem(module, BucketUpdateSource, "applied")
			return nil
		})
	}
	_ = g.Wait()
}

// deletionPass marks datastore rows whose source record vanished and, when
// pruning is enabled, deletes aged source orphans.
func (e *Executor) deletionPass(ctx context.Context, module string, snap *mapping.Snapshot, conflicts []plan.Row, orphans []remote.Record, stats *Stats) {
	for _, row := range conflicts {
		if e.opts.DryRun {
			e.metrics.ObserveItem(module, BucketDeletion, "skipped")
			continue
		}
		value := e.opts.DeletedStatusValue
		e.tracker.MarkWrite(remote.SystemDatastore, row.ID, e.opts.DeletedStatusField, value)
		if _, err := e.datastore.Update(ctx, module, row.ID, map[string]any{e.opts.DeletedStatusField: value}); err != nil {
			e.metrics.ObserveItem(module, BucketDeletion, "failed")
			e.log.Warn("deleted-marker update failed", zap.String("module", module),
				zap.String("row_id", row.ID), zap.Error(err))
			continue
		}
		stats.mu.Lock()
		stats.MarkedDeleted++
		stats.mu.Unlock()
		e.metrics.ObserveItem(module, BucketDeletion, "applied")
	}

	for _, rec := range orphans {
		if e.opts.DryRun {
			e.metrics.ObserveItem(module, BucketDeletion, "skipped")
			continue
		}
		if err := e.source.Delete(ctx, module, rec.ID); err != nil {
			e.metrics.ObserveItem(module, BucketDeletion, "failed")
			e.log.Warn("source orphan delete failed", zap.String("module", module),
				zap.String("source_id", rec.ID), zap.Error(err))
			continue
		}
		stats.mu.Lock()
		stats.OrphansDeleted++
		stats.mu.Unlock()
		e.metrics.ObserveItem(module, BucketDeletion, "applied")
	}
}

// translateToDatastore maps a source record's mappable fields onto datastore
// column names.
func (e *Executor) translateToDatastore(snap *mapping.Snapshot, rec remote.Record) map[string]any {
	fields := make(map[string]any)
	for _, key := range snap.MappableKeys() {
		entry := snap.Fields[key]
		name := snap.ResolveDatastoreField(entry)
		if e.ignore.SourceField(entry.SourceName) || e.ignore.DatastoreField(name) {
			continue
		}
		if value, ok := rec.Fields[entry.SourceName]; ok && value != nil {
			fields[name] = value
		}
	}
	return fields
}

// translateToSource maps a datastore row's fields onto source field names,
// reporting any required source fields the row cannot supply.
func (e *Executor) translateToSource(snap *mapping.Snapshot, row plan.Row) (map[string]any, []string) {
	fields := make(map[string]any)
	var missing []string
	for _, key := range snap.MappableKeys() {
		entry := snap.Fields[key]
		name := snap.ResolveDatastoreField(entry)
		if e.ignore.SourceField(entry.SourceName) || e.ignore.DatastoreField(name) {
			continue
		}
		value, ok := row.Fields[name]
		if !ok || value == nil || plan.Normalize(value) == "" {
			if entry.Required {
				missing = append(missing, entry.SourceName)
			}
			continue
		}
		fields[entry.SourceName] = value
	}
	return fields, missing
}
