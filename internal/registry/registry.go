// Package registry holds the in-memory directory of agents that are
// currently considered reachable. The dispatcher writes entries on
// registration; the liveness prober reads them, refreshes probe state and
// evicts agents that stop answering.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

// Entry is the projection of an agent's identity record kept in memory.
type Entry struct {
	MercuryID   string  `json:"mercury_id"`
	RPCAddress  string  `json:"rpc_address"`
	RPCAddress6 *string `json:"rpc_address6"`
	RPCPort     int     `json:"rpc_port"`
	PingPort    int     `json:"ping_port"`
	// LastPing is the time of the last successful probe; zero means never.
	LastPing time.Time `json:"last_ping"`
	// Pinging is set while a probe of this entry is in flight.
	Pinging bool `json:"pinging"`
	// Generation changes every time the entry is replaced, so a prober
	// holding a snapshot can tell whether it was superseded.
	Generation uint64 `json:"generation"`
}

// EntryFromClientInfo builds a fresh entry: never probed, not pinging.
func EntryFromClientInfo(info api.ClientInfo) Entry {
	e := Entry{
		MercuryID:  info.MercuryID,
		RPCAddress: info.RPCAddress,
		RPCPort:    info.RPCPort,
		PingPort:   info.PingPort,
	}
	if info.RPCAddress6 != nil {
		addr := *info.RPCAddress6
		e.RPCAddress6 = &addr
	}
	return e
}

// Registry maps agent id to Entry. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	gen     uint64
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Put inserts or fully replaces the entry for e.MercuryID. Probe state is
// reset and a new generation assigned. It returns the stored entry.
func (r *Registry) Put(e Entry) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	e.LastPing = time.Time{}
	e.Pinging = false
	e.Generation = r.gen
	r.entries[e.MercuryID] = e
	return e
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns copies of all entries ordered by id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MercuryID < out[j].MercuryID })
	return out
}

// Delete removes the entry for id regardless of generation.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Due returns the entries not being probed whose last successful probe is
// older than interval at now.
func (r *Registry) Due(now time.Time, interval time.Duration) []Entry {
	r.mu.RLock()
	var out []Entry
	for _, e := range r.entries {
		if e.Pinging {
			continue
		}
		if e.LastPing.IsZero() || now.Sub(e.LastPing) >= interval {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MercuryID < out[j].MercuryID })
	return out
}

// BeginProbe marks the entry for id as being probed and returns the
// snapshot the probe should use. It fails if the entry is gone or a probe
// is already in flight.
func (r *Registry) BeginProbe(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Pinging {
		return Entry{}, false
	}
	e.Pinging = true
	r.entries[id] = e
	return e, true
}

// EndProbe records a successful probe started at generation gen. It is a
// no-op when the entry was removed or replaced meanwhile.
func (r *Registry) EndProbe(id string, gen uint64, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Generation != gen {
		return false
	}
	e.LastPing = at
	e.Pinging = false
	r.entries[id] = e
	return true
}

// AbortProbe clears the in-flight flag without refreshing LastPing.
func (r *Registry) AbortProbe(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Generation != gen {
		return false
	}
	e.Pinging = false
	r.entries[id] = e
	return true
}

// Evict removes the entry for id only if it still has generation gen. A
// re-registration that happened during the probe survives.
func (r *Registry) Evict(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Generation != gen {
		return false
	}
	delete(r.entries, id)
	return true
}
