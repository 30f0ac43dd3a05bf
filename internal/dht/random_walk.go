package dht

import (
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// randomWalk keeps the routing table populated: periodic FindPeer
// queries against uniformly random keyspace points. Whatever the
// traversal touches lands in the routing table and address book as a
// side effect; the nominal result is discarded.
type randomWalk struct {
	iteration int
	handle    *timerHandle
}

// FindRandomPeer runs one walk iteration.
func (d *DHT) FindRandomPeer() error {
	target := RandomNodeID()

	// A synthetic peer id at the random point.
	id := peer.ID(append([]byte{0x12, 0x20}, target.Bytes()...))

	return d.newFindPeerLookup(id.Bytes(), id, func(info peer.Info, _ []peer.ID, err error) {
		if err == nil {
			d.AddPeer(info, false, false)
		}
	}).start()
}

// scheduleRandomWalk fires one query and schedules the next: queries
// spaced by the configured delay, with the remainder of the interval
// slept at each period boundary.
func (d *DHT) scheduleRandomWalk() {
	if !d.isStarted() {
		return
	}

	if err := d.FindRandomPeer(); err != nil {
		d.log.Debug("random walk query failed", zap.Error(err))
	}

	cfg := d.config.RandomWalk

	d.mu.Lock()
	iteration := d.walk.iteration
	d.walk.iteration++

	delay := cfg.Delay
	if iteration%cfg.QueriesPerPeriod == 0 {
		delay = cfg.Interval - cfg.Delay*time.Duration(cfg.QueriesPerPeriod)
	}

	d.walk.handle = d.sched.ScheduleAfter(delay, d.scheduleRandomWalk)
	d.mu.Unlock()
}
