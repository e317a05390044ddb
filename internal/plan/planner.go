// Package plan classifies the full inventories of both remotes into the
// five sync dispositions plus the conflict list. The planner is a pure
// function of its inputs: no I/O, deterministic output.
package plan

import (
	"time"

	"syncbridge/internal/mapping"
	"syncbridge/internal/remote"
)

// DefaultCoalescingWindow treats modification instants within this band as
// identical, preventing micro-oscillation between the two systems.
const DefaultCoalescingWindow = 30 * time.Second

// Row is a datastore row with its source binding extracted.
type Row struct {
	ID         string
	SourceID   string
	ModifiedAt time.Time
	CreatedAt  time.Time
	Fields     map[string]any
}

// RowFromRecord extracts the source binding using the mapping snapshot.
func RowFromRecord(rec remote.Record, snap *mapping.Snapshot) Row {
	row := Row{
		ID:         rec.ID,
		ModifiedAt: rec.ModifiedAt,
		CreatedAt:  rec.CreatedAt,
		Fields:     rec.Fields,
	}
	if id, ok := rec.Fields[snap.SourceIDField].(string); ok {
		row.SourceID = id
	}
	return row
}

// Pair is a linked source record and datastore row.
type Pair struct {
	Source    remote.Record
	Datastore Row
}

// Plan is the planner output: five disjoint buckets over inventory
// pairings, plus conflict rows for the deletion pass.
type Plan struct {
	NewInDatastore []remote.Record // exists in source only
	NewInSource    []Row           // exists in datastore only, no source binding
	SourceNewer    []Pair
	DatastoreNewer []Pair
	NoSync         []Pair

	// Conflicts are datastore rows bound to a source ID that no longer
	// exists; only populated in full-inventory mode.
	Conflicts []Row

	// DuplicateSourceIDs violate the uniqueness invariant. Reported, never
	// auto-repaired.
	DuplicateSourceIDs []string
}

// Options tunes planner behavior.
type Options struct {
	CoalescingWindow time.Duration

	// FullInventory enables the conflict bucket; incremental plans cannot
	// distinguish a deleted source record from one outside the window.
	FullInventory bool

	// ShortCircuitCompare stops value comparison at the first difference.
	// Off by default: full comparison keeps the NoSync classification
	// independent of field order.
	ShortCircuitCompare bool

	Ignore *IgnoreSet
}

// Build produces the plan for one module.
func Build(source []remote.Record, datastore []Row, snap *mapping.Snapshot, opts Options) Plan {
	if opts.CoalescingWindow <= 0 {
		opts.CoalescingWindow = DefaultCoalescingWindow
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore()
	}

	var out Plan

	datastoreBySourceID := make(map[string]Row, len(datastore))
	for _, row := range datastore {
		if row.SourceID == "" {
			out.NewInSource = append(out.NewInSource, row)
			continue
		}
		if _, dup := datastoreBySourceID[row.SourceID]; dup {
			out.DuplicateSourceIDs = append(out.DuplicateSourceIDs, row.SourceID)
			continue
		}
		datastoreBySourceID[row.SourceID] = row
	}

	sourceByID := make(map[string]remote.Record, len(source))
	for _, rec := range source {
		sourceByID[rec.ID] = rec

		row, ok := datastoreBySourceID[rec.ID]
		if !ok {
			out.NewInDatastore = append(out.NewInDatastore, rec)
			continue
		}

		pair := Pair{Source: rec, Datastore: row}
		delta := rec.ModifiedAt.Sub(row.ModifiedAt)
		// A side is "newer" only when it leads by more than the window, so
		// a delta of exactly the window still coalesces.
		if abs(delta) <= opts.CoalescingWindow {
			out.NoSync = append(out.NoSync, pair)
			continue
		}
		if pairEqual(pair, snap, opts) {
			out.NoSync = append(out.NoSync, pair)
			continue
		}
		if delta > 0 {
			out.SourceNewer = append(out.SourceNewer, pair)
		} else {
			out.DatastoreNewer = append(out.DatastoreNewer, pair)
		}
	}

	if opts.FullInventory {
		for _, row := range datastore {
			if row.SourceID == "" {
				continue
			}
			if _, ok := sourceByID[row.SourceID]; !ok {
				out.Conflicts = append(out.Conflicts, row)
			}
		}
	}

	return out
}

// pairEqual runs the normalized comparison over every mappable field.
func pairEqual(pair Pair, snap *mapping.Snapshot, opts Options) bool {
	equal := true
	for _, key := range snap.MappableKeys() {
		entry := snap.Fields[key]
		dsName := snap.ResolveDatastoreField(entry)
		if opts.Ignore.SourceField(entry.SourceName) || opts.Ignore.DatastoreField(dsName) {
			continue
		}
		if !ValuesEqual(pair.Source.Fields[entry.SourceName], pair.Datastore.Fields[dsName]) {
			equal = false
			if opts.ShortCircuitCompare {
				return false
			}
		}
	}
	return equal
}

// DiffFields returns the mappable fields whose values differ, keyed by
// canonical key. The executor writes exactly these.
func DiffFields(pair Pair, snap *mapping.Snapshot, ignore *IgnoreSet) map[string]mapping.Entry {
	if ignore == nil {
		ignore = DefaultIgnore()
	}
	diff := make(map[string]mapping.Entry)
	for _, key := range snap.MappableKeys() {
		entry := snap.Fields[key]
		dsName := snap.ResolveDatastoreField(entry)
		if ignore.SourceField(entry.SourceName) || ignore.DatastoreField(dsName) {
			continue
		}
		if !ValuesEqual(pair.Source.Fields[entry.SourceName], pair.Datastore.Fields[dsName]) {
			diff[key] = entry
		}
	}
	return diff
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
