package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

func strPtr(s string) *string { return &s }

func TestPutInitialState(t *testing.T) {
	r := New()
	stored := r.Put(EntryFromClientInfo(api.ClientInfo{
		MercuryID:  "a1",
		RPCAddress: "10.0.0.1",
		RPCPort:    9001,
		PingPort:   9003,
	}))

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, stored, got)
	assert.Equal(t, "10.0.0.1", got.RPCAddress)
	assert.True(t, got.LastPing.IsZero())
	assert.False(t, got.Pinging)
	assert.Equal(t, 1, r.Len())
}

func TestPutOverwritesEveryField(t *testing.T) {
	r := New()
	first := r.Put(Entry{MercuryID: "a1", RPCAddress: "10.0.0.1", RPCAddress6: strPtr("::1"), PingPort: 9003})

	_, ok := r.BeginProbe("a1")
	require.True(t, ok)
	require.True(t, r.EndProbe("a1", first.Generation, time.Now()))

	second := r.Put(Entry{MercuryID: "a1", RPCAddress: "10.0.0.2", PingPort: 9103})
	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, second, got)
	assert.Equal(t, "10.0.0.2", got.RPCAddress)
	assert.Nil(t, got.RPCAddress6)
	assert.Equal(t, 9103, got.PingPort)
	assert.True(t, got.LastPing.IsZero())
	assert.False(t, got.Pinging)
	assert.NotEqual(t, first.Generation, got.Generation)
}

func TestProbeLifecycle(t *testing.T) {
	r := New()
	r.Put(Entry{MercuryID: "a1", RPCAddress: "10.0.0.1", PingPort: 9003})

	snap, ok := r.BeginProbe("a1")
	require.True(t, ok)
	assert.True(t, snap.Pinging)

	_, ok = r.BeginProbe("a1")
	assert.False(t, ok, "overlapping probes must be refused")

	now := time.Now()
	require.True(t, r.EndProbe("a1", snap.Generation, now))
	got, _ := r.Get("a1")
	assert.False(t, got.Pinging)
	assert.True(t, got.LastPing.Equal(now))

	_, ok = r.BeginProbe("missing")
	assert.False(t, ok)
}

func TestSupersededProbeLeavesNewEntry(t *testing.T) {
	r := New()
	r.Put(Entry{MercuryID: "a1", RPCAddress: "10.0.0.1"})
	snap, ok := r.BeginProbe("a1")
	require.True(t, ok)

	// Agent re-registers while the probe of the old address is in flight.
	fresh := r.Put(Entry{MercuryID: "a1", RPCAddress: "10.0.0.2"})

	assert.False(t, r.EndProbe("a1", snap.Generation, time.Now()))
	assert.False(t, r.AbortProbe("a1", snap.Generation))
	assert.False(t, r.Evict("a1", snap.Generation))

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, fresh, got)
}

func TestEvict(t *testing.T) {
	r := New()
	e := r.Put(Entry{MercuryID: "a1"})
	assert.True(t, r.Evict("a1", e.Generation))
	_, ok := r.Get("a1")
	assert.False(t, ok)
	assert.False(t, r.Delete("a1"))
}

func TestDue(t *testing.T) {
	r := New()
	now := time.Now()
	fresh := r.Put(Entry{MercuryID: "fresh"})
	r.Put(Entry{MercuryID: "never"})
	stale := r.Put(Entry{MercuryID: "stale"})
	r.Put(Entry{MercuryID: "busy"})

	_, _ = r.BeginProbe("fresh")
	r.EndProbe("fresh", fresh.Generation, now)
	_, _ = r.BeginProbe("stale")
	r.EndProbe("stale", stale.Generation, now.Add(-time.Minute))
	_, _ = r.BeginProbe("busy")

	due := r.Due(now, 30*time.Second)
	var ids []string
	for _, e := range due {
		ids = append(ids, e.MercuryID)
	}
	assert.Equal(t, []string{"never", "stale"}, ids)
}

func TestSnapshotSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Put(Entry{MercuryID: id})
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].MercuryID)
	assert.Equal(t, "c", snap[2].MercuryID)
}

// Readers racing a writer that alternates between two complete records must
// only ever observe one of those records.
func TestConcurrentOverwriteNeverTorn(t *testing.T) {
	r := New()
	variants := []Entry{
		{MercuryID: "a1", RPCAddress: "10.0.0.1", RPCAddress6: strPtr("fe80::1"), RPCPort: 9001, PingPort: 9003},
		{MercuryID: "a1", RPCAddress: "10.0.0.2", RPCPort: 9101, PingPort: 9103},
	}
	r.Put(variants[0])

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			r.Put(variants[i%2])
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				e, ok := r.Get("a1")
				if !ok {
					errs <- fmt.Errorf("entry disappeared")
					return
				}
				switch e.RPCAddress {
				case "10.0.0.1":
					if e.RPCAddress6 == nil || e.PingPort != 9003 || e.RPCPort != 9001 {
						errs <- fmt.Errorf("torn entry: %+v", e)
						return
					}
				case "10.0.0.2":
					if e.RPCAddress6 != nil || e.PingPort != 9103 || e.RPCPort != 9101 {
						errs <- fmt.Errorf("torn entry: %+v", e)
						return
					}
				default:
					errs <- fmt.Errorf("unexpected entry: %+v", e)
					return
				}
				if snap, ok := r.BeginProbe("a1"); ok {
					r.EndProbe("a1", snap.Generation, time.Now())
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
