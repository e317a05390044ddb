// Package tracker remembers recent engine-originated writes so the
// reciprocal webhook from the written-to system can be suppressed instead of
// echoing back as a new sync.
package tracker

import (
	"reflect"
	"sync"
	"time"

	"syncbridge/internal/remote"
)

const (
	DefaultFieldCooldown  = 10 * time.Second
	DefaultRecordCooldown = 120 * time.Second

	// Expired entries are swept opportunistically once this many mutations
	// have occurred since the last sweep.
	sweepEvery = 256
)

type fieldKey struct {
	system remote.System
	rowID  string
	field  string
}

type fieldEntry struct {
	value     any
	writtenAt time.Time
}

type recordKey struct {
	system remote.System
	rowID  string
}

// Tracker holds the two cooldown maps: field-scoped for webhook echo
// suppression, record-scoped for the poll driver's coarse debounce.
type Tracker struct {
	mu        sync.Mutex
	fields    map[fieldKey]fieldEntry
	records   map[recordKey]time.Time
	mutations int

	fieldCooldown  time.Duration
	recordCooldown time.Duration
	now            func() time.Time
}

// New builds a tracker with the given cooldowns; zero values pick defaults.
func New(fieldCooldown, recordCooldown time.Duration) *Tracker {
	if fieldCooldown <= 0 {
		fieldCooldown = DefaultFieldCooldown
	}
	if recordCooldown <= 0 {
		recordCooldown = DefaultRecordCooldown
	}
	return &Tracker{
		fields:         make(map[fieldKey]fieldEntry),
		records:        make(map[recordKey]time.Time),
		fieldCooldown:  fieldCooldown,
		recordCooldown: recordCooldown,
		now:            time.Now,
	}
}

// ShouldSkip reports whether an inbound change for (system,row,field) echoes
// a write the engine made within the cooldown with the same value. When it
// does not, the incoming value is recorded and false is returned.
func (t *Tracker) ShouldSkip(system remote.System, rowID, field string, value any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeSweep()

	now := t.now()
	key := fieldKey{system: system, rowID: rowID, field: field}
	if entry, ok := t.fields[key]; ok {
		if now.Sub(entry.writtenAt) < t.fieldCooldown && reflect.DeepEqual(entry.value, value) {
			return true
		}
	}
	t.fields[key] = fieldEntry{value: value, writtenAt: now}
	return false
}

// MarkWrite records an engine-originated write so the reciprocal webhook
// from that system is suppressed. Called before every executor write.
func (t *Tracker) MarkWrite(system remote.System, rowID, field string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeSweep()
	t.fields[fieldKey{system: system, rowID: rowID, field: field}] =
		fieldEntry{value: value, writtenAt: t.now()}
}

// MarkRecord stamps the coarse record-scoped cooldown used by polling.
func (t *Tracker) MarkRecord(system remote.System, rowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeSweep()
	t.records[recordKey{system: system, rowID: rowID}] = t.now()
}

// RecentlySynced reports whether the engine touched the record within the
// record cooldown.
func (t *Tracker) RecentlySynced(system remote.System, rowID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.records[recordKey{system: system, rowID: rowID}]
	return ok && t.now().Sub(at) < t.recordCooldown
}

// maybeSweep drops expired entries. Caller holds the lock.
func (t *Tracker) maybeSweep() {
	t.mutations++
	if t.mutations < sweepEvery {
		return
	}
	t.mutations = 0
	now := t.now()
	for key, entry := range t.fields {
		if now.Sub(entry.writtenAt) >= t.fieldCooldown {
			delete(t.fields, key)
		}
	}
	for key, at := range t.records {
		if now.Sub(at) >= t.recordCooldown {
			delete(t.records, key)
		}
	}
}
