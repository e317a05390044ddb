package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"syncbridge/internal/engine"
	"syncbridge/internal/remote"
	"syncbridge/internal/tracker"
)

var tickTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu          sync.Mutex
	fullRuns    []string
	recordRuns  []string
	sourceSeen  []remote.Record
	blockOnFull chan struct{}
}

func (f *fakeRunner) SyncModule(_ context.Context, module string) (*engine.Stats, error) {
	f.mu.Lock()
	f.fullRuns = append(f.fullRuns, module)
	f.mu.Unlock()
	if f.blockOnFull != nil {
		<-f.blockOnFull
	}
	return &engine.Stats{}, nil
}

func (f *fakeRunner) SyncRecords(_ context.Context, module string, sourceRecs, _ []remote.Record) (*engine.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordRuns = append(f.recordRuns, module)
	f.sourceSeen = append(f.sourceSeen, sourceRecs...)
	return &engine.Stats{}, nil
}

type fakeLister struct {
	records []remote.Record
	since   []time.Time
}

func (f *fakeLister) ListAll(context.Context, string, string) (remote.Page, error) {
	return remote.Page{Records: f.records}, nil
}

func (f *fakeLister) ListModifiedSince(_ context.Context, _ string, since time.Time, _ string) (remote.Page, error) {
	f.since = append(f.since, since)
	return remote.Page{Records: f.records}, nil
}

func (f *fakeLister) Get(context.Context, string, string) (remote.Record, error) {
	return remote.Record{}, nil
}
func (f *fakeLister) GetMany(context.Context, string, []string) ([]remote.Record, error) {
	return nil, nil
}
func (f *fakeLister) Upsert(context.Context, string, []remote.Record, string) ([]remote.UpsertResult, error) {
	return nil, nil
}
func (f *fakeLister) Update(context.Context, string, string, map[string]any) (remote.Record, error) {
	return remote.Record{}, nil
}
func (f *fakeLister) Delete(context.Context, string, string) error { return nil }
func (f *fakeLister) ListMetadata(context.Context, string) (remote.Metadata, error) {
	return remote.Metadata{}, nil
}

func TestBulkTickRunsModulesSequentially(t *testing.T) {
	runner := &fakeRunner{}
	b := NewBulk(runner, []string{"Contacts", "Deals"}, zap.NewNop())
	b.Tick()
	assert.Equal(t, []string{"Contacts", "Deals"}, runner.fullRuns)
}

func TestBulkTickSkipsWhileRunning(t *testing.T) {
	runner := &fakeRunner{blockOnFull: make(chan struct{})}
	b := NewBulk(runner, []string{"Contacts"}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		b.Tick()
		close(done)
	}()

	// Wait until the first tick is inside the runner, then fire another.
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.fullRuns) == 1
	}, time.Second, time.Millisecond)

	b.Tick() // overlapping, must be a no-op
	close(runner.blockOnFull)
	<-done

	assert.Equal(t, []string{"Contacts"}, runner.fullRuns)
}

func TestBulkRejectsBadSchedule(t *testing.T) {
	b := NewBulk(&fakeRunner{}, nil, zap.NewNop())
	err := b.Start(context.Background(), "not a schedule")
	require.Error(t, err)
}

func newTestPoll(runner *fakeRunner, source, datastore *fakeLister) *Poll {
	p := NewPoll(runner, source, datastore, tracker.New(10*time.Second, 120*time.Second),
		[]string{"Contacts"}, time.Minute, zap.NewNop())
	p.now = func() time.Time { return tickTime }
	return p
}

func TestPollModuleSyncsChangedRecords(t *testing.T) {
	runner := &fakeRunner{}
	source := &fakeLister{records: []remote.Record{{ID: "z1", ModifiedAt: tickTime}}}
	p := newTestPoll(runner, source, &fakeLister{})

	p.PollModule(context.Background(), "Contacts")
	assert.Equal(t, []string{"Contacts"}, runner.recordRuns)
	require.Len(t, runner.sourceSeen, 1)
	assert.Equal(t, "z1", runner.sourceSeen[0].ID)

	// First tick looks back one interval.
	require.Len(t, source.since, 1)
	assert.Equal(t, tickTime.Add(-time.Minute), source.since[0])
}

func TestPollModuleAdvancesWatermark(t *testing.T) {
	runner := &fakeRunner{}
	source := &fakeLister{}
	p := newTestPoll(runner, source, &fakeLister{})

	p.PollModule(context.Background(), "Contacts")
	p.now = func() time.Time { return tickTime.Add(time.Minute) }
	p.PollModule(context.Background(), "Contacts")

	require.Len(t, source.since, 2)
	assert.Equal(t, tickTime, source.since[1])
}

func TestPollModuleDebouncesRecentWrites(t *testing.T) {
	runner := &fakeRunner{}
	source := &fakeLister{records: []remote.Record{
		{ID: "z1", ModifiedAt: tickTime},
		{ID: "z2", ModifiedAt: tickTime},
	}}
	p := newTestPoll(runner, source, &fakeLister{})
	p.tracker.MarkRecord(remote.SystemSource, "z1")

	p.PollModule(context.Background(), "Contacts")
	require.Len(t, runner.sourceSeen, 1)
	assert.Equal(t, "z2", runner.sourceSeen[0].ID)
}

func TestPollModuleSkipsRunWithoutChanges(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestPoll(runner, &fakeLister{}, &fakeLister{})

	p.PollModule(context.Background(), "Contacts")
	assert.Empty(t, runner.recordRuns)

	// The watermark still advances on a quiet tick.
	p.now = func() time.Time { return tickTime.Add(time.Minute) }
	source := &fakeLister{}
	p.source = source
	p.PollModule(context.Background(), "Contacts")
	require.Len(t, source.since, 1)
	assert.Equal(t, tickTime, source.since[0])
}
