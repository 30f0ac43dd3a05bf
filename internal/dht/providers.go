package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// ContentRoutingTable indexes content keys to the peers that announced
// them. Entries expire after the provider TTL; a periodic sweep evicts
// the dead ones.
type ContentRoutingTable struct {
	mu        sync.Mutex
	clock     clock.Clock
	sched     *scheduler
	ttl       time.Duration
	sweepEach time.Duration
	log       *zap.Logger

	// key bytes → provider → expiry
	providers map[string]map[peer.ID]time.Time

	onProviderRemoved func(key []byte, id peer.ID)

	sweepHandle *timerHandle
	started     bool
}

// NewContentRoutingTable creates an empty provider index.
func NewContentRoutingTable(c clock.Clock, sched *scheduler, ttl, sweepEach time.Duration, log *zap.Logger) *ContentRoutingTable {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContentRoutingTable{
		clock:     c,
		sched:     sched,
		ttl:       ttl,
		sweepEach: sweepEach,
		log:       log,
		providers: make(map[string]map[peer.ID]time.Time),
	}
}

// OnProviderRemoved registers the eviction event hook.
func (crt *ContentRoutingTable) OnProviderRemoved(fn func(key []byte, id peer.ID)) {
	crt.onProviderRemoved = fn
}

// Start arms the periodic sweep. Idempotent.
func (crt *ContentRoutingTable) Start() {
	crt.mu.Lock()
	defer crt.mu.Unlock()
	if crt.started {
		return
	}
	crt.started = true
	crt.scheduleSweepLocked()
}

// Stop cancels the sweep.
func (crt *ContentRoutingTable) Stop() {
	crt.mu.Lock()
	defer crt.mu.Unlock()
	crt.started = false
	crt.sweepHandle.Cancel()
	crt.sweepHandle = nil
}

func (crt *ContentRoutingTable) scheduleSweepLocked() {
	crt.sweepHandle = crt.sched.ScheduleAfter(crt.sweepEach, func() {
		crt.sweep()
		crt.mu.Lock()
		if crt.started {
			crt.scheduleSweepLocked()
		}
		crt.mu.Unlock()
	})
}

// AddProvider records that id can serve key, refreshing the expiry if
// the pair is already known.
func (crt *ContentRoutingTable) AddProvider(key []byte, id peer.ID) {
	crt.mu.Lock()
	defer crt.mu.Unlock()
	set, ok := crt.providers[string(key)]
	if !ok {
		set = make(map[peer.ID]time.Time)
		crt.providers[string(key)] = set
	}
	set[id] = crt.clock.Now().Add(crt.ttl)
}

// ProvidersFor returns the live providers of key ordered by XOR
// distance from the key's keyspace point to each provider's. A limit
// of zero or less means unlimited.
func (crt *ContentRoutingTable) ProvidersFor(key []byte, limit int) []peer.ID {
	now := crt.clock.Now()
	target := HashKey(key)

	crt.mu.Lock()
	var live []peer.ID
	for id, expiry := range crt.providers[string(key)] {
		if expiry.After(now) {
			live = append(live, id)
		}
	}
	crt.mu.Unlock()

	sort.Slice(live, func(i, j int) bool {
		return target.DistanceCmp(HashPeer(live[i]), HashPeer(live[j])) < 0
	})

	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}
	return live
}

// Size returns the number of live (key, provider) pairs.
func (crt *ContentRoutingTable) Size() int {
	now := crt.clock.Now()
	crt.mu.Lock()
	defer crt.mu.Unlock()
	total := 0
	for _, set := range crt.providers {
		for _, expiry := range set {
			if expiry.After(now) {
				total++
			}
		}
	}
	return total
}

// sweep evicts expired entries and fires removal events.
func (crt *ContentRoutingTable) sweep() {
	now := crt.clock.Now()

	type removal struct {
		key []byte
		id  peer.ID
	}
	var removed []removal

	crt.mu.Lock()
	for key, set := range crt.providers {
		for id, expiry := range set {
			if !expiry.After(now) {
				delete(set, id)
				removed = append(removed, removal{key: []byte(key), id: id})
			}
		}
		if len(set) == 0 {
			delete(crt.providers, key)
		}
	}
	crt.mu.Unlock()

	if len(removed) > 0 {
		crt.log.Debug("provider sweep", zap.Int("evicted", len(removed)))
	}
	if crt.onProviderRemoved != nil {
		for _, r := range removed {
			crt.onProviderRemoved(r.key, r.id)
		}
	}
}
