package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"syncbridge/internal/engine"
	"syncbridge/internal/mapping"
	"syncbridge/internal/remote"
	"syncbridge/internal/remote/airtable"
	"syncbridge/internal/tracker"
)

var pingAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSyncer struct {
	mu             sync.Mutex
	sourceCalls    []string
	datastoreCalls []string
}

func (f *fakeSyncer) SyncSourceRecord(_ context.Context, _ string, id string) (*engine.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceCalls = append(f.sourceCalls, id)
	return &engine.Stats{}, nil
}

func (f *fakeSyncer) SyncDatastoreRow(_ context.Context, _ string, id string) (*engine.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datastoreCalls = append(f.datastoreCalls, id)
	return &engine.Stats{}, nil
}

// fakePayloads serves a different payload list per fetch attempt, repeating
// the last list once exhausted.
type fakePayloads struct {
	attempts [][]airtable.WebhookPayload
	calls    int
}

func (f *fakePayloads) ListWebhookPayloads(context.Context, string, int, int) ([]airtable.WebhookPayload, int, bool, error) {
	i := f.calls
	if i >= len(f.attempts) {
		i = len(f.attempts) - 1
	}
	f.calls++
	return f.attempts[i], 0, false, nil
}

// pagedPayloads serves one long oldest-first history through cursor
// pagination, the way the payload-history endpoint does.
type pagedPayloads struct {
	history []airtable.WebhookPayload
	calls   int
}

func (f *pagedPayloads) ListWebhookPayloads(_ context.Context, _ string, cursor, limit int) ([]airtable.WebhookPayload, int, bool, error) {
	f.calls++
	if cursor >= len(f.history) {
		return nil, cursor, false, nil
	}
	end := cursor + limit
	if end > len(f.history) {
		end = len(f.history)
	}
	return f.history[cursor:end], end, end < len(f.history), nil
}

type fakeTables struct{}

func (fakeTables) ResolveTable(_ context.Context, module string) (airtable.TableRef, error) {
	return airtable.TableRef{ID: "tbl" + module, Name: module}, nil
}

type fakeRegistry struct {
	snap *mapping.Snapshot
}

func (r *fakeRegistry) EnsureInitialized(context.Context, string) error { return nil }
func (r *fakeRegistry) Get(string) *mapping.Snapshot                    { return r.snap }

func newTestProcessor(syncer *fakeSyncer, payloads PayloadLister) *Processor {
	snap := &mapping.Snapshot{
		Module:        "Contacts",
		SourceIDField: "CRM ID",
		Fields: map[string]mapping.Entry{
			"PHONE": {Key: "PHONE", SourceName: "Phone", DatastoreField: "Phone"},
		},
		FieldIDToName: map[string]string{"fldPhone": "Phone"},
	}
	p := NewProcessor(syncer, payloads, fakeTables{}, &fakeRegistry{snap: snap},
		tracker.New(10*time.Second, 120*time.Second), nil, zap.NewNop(),
		ProcessorOptions{Modules: []string{"Contacts"}})
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func payloadAt(ts time.Time, tables map[string]airtable.ChangedTable) airtable.WebhookPayload {
	return airtable.WebhookPayload{Timestamp: ts, ChangedTables: tables}
}

func TestPickFreshTakesOldestInWindow(t *testing.T) {
	payloads := []airtable.WebhookPayload{
		payloadAt(pingAt.Add(20*time.Second), nil),
		payloadAt(pingAt.Add(5*time.Second), nil),
		payloadAt(pingAt.Add(-time.Second), nil), // before the ping, ineligible
	}
	got, ok := pickFresh(payloads, pingAt)
	require.True(t, ok)
	assert.Equal(t, pingAt.Add(5*time.Second), got.Timestamp)
}

func TestPickFreshRejectsStaleAndFarFuture(t *testing.T) {
	payloads := []airtable.WebhookPayload{
		payloadAt(pingAt.Add(-time.Minute), nil),
		payloadAt(pingAt.Add(2*time.Minute), nil),
	}
	_, ok := pickFresh(payloads, pingAt)
	assert.False(t, ok)
}

func TestPickFallbackNearestThenNewest(t *testing.T) {
	near := []airtable.WebhookPayload{
		payloadAt(pingAt.Add(-4*time.Minute), nil),
		payloadAt(pingAt.Add(90*time.Second), nil),
	}
	got, ok := pickFallback(near, pingAt)
	require.True(t, ok)
	assert.Equal(t, pingAt.Add(90*time.Second), got.Timestamp)

	far := []airtable.WebhookPayload{
		payloadAt(pingAt.Add(-2*time.Hour), nil),
		payloadAt(pingAt.Add(-time.Hour), nil),
	}
	got, ok = pickFallback(far, pingAt)
	require.True(t, ok)
	assert.Equal(t, pingAt.Add(-time.Hour), got.Timestamp)

	_, ok = pickFallback(nil, pingAt)
	assert.False(t, ok)
}

func TestHandleDirectDispatchesSourceRecord(t *testing.T) {
	syncer := &fakeSyncer{}
	p := newTestProcessor(syncer, &fakePayloads{attempts: [][]airtable.WebhookPayload{nil}})

	p.handleDirect(context.Background(), DirectChange{
		System: remote.SystemSource, Module: "Contacts", RecordID: "z1",
	})
	assert.Equal(t, []string{"z1"}, syncer.sourceCalls)
}

func TestHandleDirectSuppressesRecentlySyncedRecord(t *testing.T) {
	syncer := &fakeSyncer{}
	p := newTestProcessor(syncer, &fakePayloads{attempts: [][]airtable.WebhookPayload{nil}})

	p.tracker.MarkRecord(remote.SystemSource, "z1")
	p.handleDirect(context.Background(), DirectChange{
		System: remote.SystemSource, Module: "Contacts", RecordID: "z1",
	})
	assert.Empty(t, syncer.sourceCalls)
}

func TestHandleRefDispatchesChangedRows(t *testing.T) {
	syncer := &fakeSyncer{}
	payloads := &fakePayloads{attempts: [][]airtable.WebhookPayload{{
		payloadAt(pingAt.Add(3*time.Second), map[string]airtable.ChangedTable{
			"tblContacts": {ChangedRecords: map[string]airtable.ChangedRecord{
				"rec1": {CellValuesByFieldID: map[string]any{"fldPhone": "555-0101"}},
			}},
		}),
	}}}
	p := newTestProcessor(syncer, payloads)

	p.handleRef(context.Background(), HandleRef{WebhookID: "ach1", Timestamp: pingAt})
	assert.Equal(t, []string{"rec1"}, syncer.datastoreCalls)
}

func TestHandleRefSuppressesEchoedWrites(t *testing.T) {
	syncer := &fakeSyncer{}
	payloads := &fakePayloads{attempts: [][]airtable.WebhookPayload{{
		payloadAt(pingAt.Add(3*time.Second), map[string]airtable.ChangedTable{
			"tblContacts": {ChangedRecords: map[string]airtable.ChangedRecord{
				"rec1": {CellValuesByFieldID: map[string]any{"fldPhone": "555-0101"}},
			}},
		}),
	}}}
	p := newTestProcessor(syncer, payloads)

	// The executor already wrote exactly this value moments ago.
	p.tracker.MarkWrite(remote.SystemDatastore, "rec1", "Phone", "555-0101")
	p.handleRef(context.Background(), HandleRef{WebhookID: "ach1", Timestamp: pingAt})
	assert.Empty(t, syncer.datastoreCalls)
}

func TestHandleRefRetriesUntilPayloadAppears(t *testing.T) {
	syncer := &fakeSyncer{}
	fresh := payloadAt(pingAt.Add(4*time.Second), map[string]airtable.ChangedTable{
		"tblContacts": {ChangedRecords: map[string]airtable.ChangedRecord{
			"rec9": {CellValuesByFieldID: map[string]any{"fldPhone": "1"}},
		}},
	})
	payloads := &fakePayloads{attempts: [][]airtable.WebhookPayload{
		nil, nil, {fresh},
	}}
	p := newTestProcessor(syncer, payloads)

	p.handleRef(context.Background(), HandleRef{WebhookID: "ach1", Timestamp: pingAt})
	assert.Equal(t, 3, payloads.calls)
	assert.Equal(t, []string{"rec9"}, syncer.datastoreCalls)
}

func TestFetchCandidateReadsTailOfLongHistory(t *testing.T) {
	// 200 stale payloads before the fresh one: the oldest-first cursor must
	// be drained to the end or the fresh payload never shows up.
	payloads := &pagedPayloads{}
	for i := 200; i > 0; i-- {
		payloads.history = append(payloads.history,
			payloadAt(pingAt.Add(-time.Duration(i)*7*time.Minute), nil))
	}
	payloads.history = append(payloads.history, payloadAt(pingAt.Add(3*time.Second), nil))

	p := newTestProcessor(&fakeSyncer{}, payloads)
	got, ok := p.fetchCandidate(context.Background(), HandleRef{WebhookID: "ach1", Timestamp: pingAt})
	require.True(t, ok)
	assert.Equal(t, pingAt.Add(3*time.Second), got.Timestamp)
}

func TestHandleRefGivesUpSilentlyWithoutPayloads(t *testing.T) {
	syncer := &fakeSyncer{}
	payloads := &fakePayloads{attempts: [][]airtable.WebhookPayload{nil}}
	p := newTestProcessor(syncer, payloads)

	p.handleRef(context.Background(), HandleRef{WebhookID: "ach1", Timestamp: pingAt})
	assert.Equal(t, 1+payloadRetries, payloads.calls)
	assert.Empty(t, syncer.datastoreCalls)
}

func TestHandleRefIgnoresUnconfiguredTables(t *testing.T) {
	syncer := &fakeSyncer{}
	payloads := &fakePayloads{attempts: [][]airtable.WebhookPayload{{
		payloadAt(pingAt.Add(time.Second), map[string]airtable.ChangedTable{
			"tblUnknown": {ChangedRecords: map[string]airtable.ChangedRecord{
				"recX": {},
			}},
		}),
	}}}
	p := newTestProcessor(syncer, payloads)

	p.handleRef(context.Background(), HandleRef{WebhookID: "ach1", Timestamp: pingAt})
	assert.Empty(t, syncer.datastoreCalls)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	syncer := &fakeSyncer{}
	p := newTestProcessor(syncer, &fakePayloads{attempts: [][]airtable.WebhookPayload{nil}})
	p.queue = make(chan Event, 1)

	assert.True(t, p.Enqueue(Event{Direct: &DirectChange{RecordID: "a"}}))
	assert.False(t, p.Enqueue(Event{Direct: &DirectChange{RecordID: "b"}}))
}
