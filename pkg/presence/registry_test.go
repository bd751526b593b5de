package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(Options{
		AppVersion: "1.0.0",
		Hostname:   "Gateway-Host",
		Now:        clock.Now,
	})
}

func TestRegistry_SelfEntryAlwaysPresent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)

	entries := r.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "gateway-host", entries[0].Host)
	assert.Equal(t, "backend", entries[0].Mode)
	assert.Equal(t, "self", entries[0].Reason)
	assert.Equal(t, "1.0.0", entries[0].Version)
}

func TestRegistry_TouchConnectAndDisconnect(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)
	v0 := r.Version()

	key := r.TouchConnect(ConnectInfo{
		ConnID:     "conn-1",
		InstanceID: "mac-abc",
		Name:       "MacBook",
		Version:    "2.0.0",
		Mode:       "app",
	})
	assert.Equal(t, "mac-abc", key)
	assert.Greater(t, r.Version(), v0)

	entries := r.List()
	require.Len(t, entries, 2)
	found := findByInstance(entries, "mac-abc")
	require.NotNil(t, found)
	assert.Equal(t, "MacBook", found.Host)
	assert.Equal(t, "connect", found.Reason)

	v1 := r.Version()
	clock.Advance(time.Second)
	r.MarkDisconnected(key)
	assert.Greater(t, r.Version(), v1)

	found = findByInstance(r.List(), "mac-abc")
	require.NotNil(t, found)
	assert.Equal(t, "disconnect", found.Reason)
}

func TestRegistry_ConnIDKeyWhenNoInstanceID(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)

	key := r.TouchConnect(ConnectInfo{ConnID: "conn-7", Name: "cli", Mode: "cli"})
	assert.Equal(t, "conn-7", key)
}

func TestRegistry_RecordSystemEvent_StructuredText(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)

	r.RecordSystemEvent("Node: studio (192.168.1.5) · app 2.1.0 · last input 42s ago · mode app · reason heartbeat")

	entries := r.List()
	var node *Entry
	for i := range entries {
		if entries[i].Host == "studio" {
			node = &entries[i]
		}
	}
	require.NotNil(t, node)
	assert.Equal(t, "192.168.1.5", node.IP)
	assert.Equal(t, "2.1.0", node.Version)
	require.NotNil(t, node.LastInputSeconds)
	assert.Equal(t, 42, *node.LastInputSeconds)
	assert.Equal(t, "app", node.Mode)
	assert.Equal(t, "heartbeat", node.Reason)
	assert.Empty(t, node.Text)
}

func TestRegistry_RecordSystemEvent_FreeFormText(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)

	r.RecordSystemEvent("disk almost full")

	var found bool
	for _, e := range r.List() {
		if e.Text == "disk almost full" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRegistry_TTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)

	r.TouchConnect(ConnectInfo{ConnID: "conn-1", Name: "old", Mode: "cli"})
	require.Len(t, r.List(), 2)

	clock.Advance(DefaultTTL + time.Second)
	entries := r.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "self", entries[0].Reason)
}

func TestRegistry_EvictsOldestOverCap(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry(Options{
		MaxEntries: 3,
		AppVersion: "1.0.0",
		Hostname:   "gw",
		Now:        clock.Now,
	})

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		r.TouchConnect(ConnectInfo{ConnID: fmt.Sprintf("conn-%d", i), Name: fmt.Sprintf("n%d", i), Mode: "cli"})
	}

	entries := r.List()
	require.Len(t, entries, 3)
	// Newest first; the oldest connections were evicted.
	assert.Equal(t, "gw", entries[0].Host)
}

func TestRegistry_ListSortedByTSDescending(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clock)

	r.TouchConnect(ConnectInfo{ConnID: "a", Name: "first", Mode: "cli"})
	clock.Advance(time.Second)
	r.TouchConnect(ConnectInfo{ConnID: "b", Name: "second", Mode: "cli"})

	entries := r.List()
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].TS, entries[i].TS)
	}
}

func findByInstance(entries []Entry, instanceID string) *Entry {
	for i := range entries {
		if entries[i].InstanceID == instanceID {
			return &entries[i]
		}
	}
	return nil
}
