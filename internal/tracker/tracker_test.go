package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"syncbridge/internal/remote"
)

func newTestTracker() (*Tracker, *time.Time) {
	t := New(10*time.Second, 120*time.Second)
	now := time.Unix(5000, 0)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestShouldSkip_SuppressesEchoWithinCooldown(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkWrite(remote.SystemDatastore, "rec1", "Phone", "A")
	*clock = clock.Add(500 * time.Millisecond)

	assert.True(t, tr.ShouldSkip(remote.SystemDatastore, "rec1", "Phone", "A"),
		"engine write echoed back within cooldown is suppressed")
}

func TestShouldSkip_DifferentValuePasses(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkWrite(remote.SystemDatastore, "rec1", "Phone", "A")
	*clock = clock.Add(500 * time.Millisecond)

	assert.False(t, tr.ShouldSkip(remote.SystemDatastore, "rec1", "Phone", "B"),
		"a genuinely new value is not an echo")
}

func TestShouldSkip_ExpiredCooldownPasses(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkWrite(remote.SystemDatastore, "rec1", "Phone", "A")
	*clock = clock.Add(11 * time.Second)

	assert.False(t, tr.ShouldSkip(remote.SystemDatastore, "rec1", "Phone", "A"))
}

func TestShouldSkip_RecordsIncomingValue(t *testing.T) {
	tr, clock := newTestTracker()

	assert.False(t, tr.ShouldSkip(remote.SystemSource, "z1", "Phone", "A"))
	*clock = clock.Add(time.Second)
	assert.True(t, tr.ShouldSkip(remote.SystemSource, "z1", "Phone", "A"),
		"first non-skipped delivery records the value, dupes suppress")
}

func TestShouldSkip_DeepEquality(t *testing.T) {
	tr, clock := newTestTracker()

	val := []any{map[string]any{"name": "Partner A"}}
	tr.MarkWrite(remote.SystemDatastore, "rec1", "Partners", val)
	*clock = clock.Add(time.Second)

	same := []any{map[string]any{"name": "Partner A"}}
	assert.True(t, tr.ShouldSkip(remote.SystemDatastore, "rec1", "Partners", same))
}

func TestSystemsAreIndependent(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkWrite(remote.SystemDatastore, "r1", "Phone", "A")
	*clock = clock.Add(time.Second)
	assert.False(t, tr.ShouldSkip(remote.SystemSource, "r1", "Phone", "A"))
}

func TestRecordCooldown(t *testing.T) {
	tr, clock := newTestTracker()

	assert.False(t, tr.RecentlySynced(remote.SystemSource, "z1"))
	tr.MarkRecord(remote.SystemSource, "z1")
	*clock = clock.Add(119 * time.Second)
	assert.True(t, tr.RecentlySynced(remote.SystemSource, "z1"))
	*clock = clock.Add(2 * time.Second)
	assert.False(t, tr.RecentlySynced(remote.SystemSource, "z1"))
}

func TestSweep_DropsExpiredEntries(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkWrite(remote.SystemDatastore, "old", "Phone", "A")
	*clock = clock.Add(time.Minute)

	for i := 0; i < sweepEvery+1; i++ {
		tr.MarkWrite(remote.SystemDatastore, fmt.Sprintf("r%d", i), "Phone", "A")
	}

	tr.mu.Lock()
	_, ok := tr.fields[fieldKey{system: remote.SystemDatastore, rowID: "old", field: "Phone"}]
	tr.mu.Unlock()
	assert.False(t, ok, "expired entry swept during mutation")
}
