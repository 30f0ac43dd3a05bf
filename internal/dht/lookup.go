package dht

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// candidate is a peer queued for querying, with its distance to the
// lookup target cached.
type candidate struct {
	id   peer.ID
	dist NodeID
}

// candidateQueue is a min-heap of candidates by distance.
type candidateQueue []candidate

func (q candidateQueue) Len() int            { return len(q) }
func (q candidateQueue) Less(i, j int) bool  { return q[i].dist.Less(q[j].dist) }
func (q candidateQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *candidateQueue) Push(x interface{}) { *q = append(*q, x.(candidate)) }
func (q *candidateQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// queryResult carries one per-hop outcome into the lookup goroutine.
type queryResult struct {
	from peer.ID
	msg  *wire.Message
	err  error
}

// lookup is the shared traversal skeleton behind the five executors.
// It seeds candidates from the routing table, keeps up to alpha
// requests in flight, merges closer peers from each reply, and stops
// when the executor-specific response hook reports success or the
// frontier is exhausted.
//
// A lookup owns itself once started: its goroutine runs until a
// terminal state regardless of whether the caller keeps a handle.
type lookup struct {
	d   *DHT
	id  string
	log *zap.Logger

	target NodeID

	// buildRequest produces the per-hop request message.
	buildRequest func() *wire.Message

	// handleResponse inspects one successful reply on the lookup
	// goroutine. Returning true ends the traversal successfully.
	handleResponse func(from peer.ID, msg *wire.Message) bool

	// finish is invoked exactly once with the traversal outcome. It
	// runs on the scheduler, after succeeded has settled.
	finish func(err error)

	// Traversal state, confined to the lookup goroutine.
	queue     candidateQueue
	seen      map[peer.ID]struct{}
	responded []NodeID // sorted ascending by distance to target
	succeeded []peer.ID
	inFlight  int

	results   chan queryResult
	cancelled atomic.Bool
	cancelCh  chan struct{}
	closeOnce sync.Once
	finished  atomic.Bool
}

func (d *DHT) newLookup(target NodeID, log *zap.Logger) *lookup {
	return &lookup{
		d:      d,
		id:     uuid.NewString(),
		log:    log,
		target: target,
		seen:   make(map[peer.ID]struct{}),
		// Buffered to the in-flight bound so late results never block
		// a query goroutine after the traversal ends.
		results:  make(chan queryResult, d.config.Alpha),
		cancelCh: make(chan struct{}),
	}
}

// start seeds the frontier and launches the traversal goroutine.
func (l *lookup) start() error {
	if !l.d.isStarted() {
		return ErrNotStarted
	}

	seeds := l.d.routingTable.NearestPeers(l.target, 2*l.d.config.BucketSize)
	for _, id := range seeds {
		l.push(id)
	}
	l.log.Debug("lookup started",
		zap.String("query", l.id),
		zap.String("target", l.target.String()),
		zap.Int("seeds", len(seeds)))

	l.d.registerLookup(l)
	go l.run()
	return nil
}

// cancel stops the traversal; in-flight requests complete but their
// results are discarded.
func (l *lookup) cancel() {
	l.cancelled.Store(true)
	l.closeOnce.Do(func() { close(l.cancelCh) })
}

// push queues a candidate unless it was already seen or is the local
// peer.
func (l *lookup) push(id peer.ID) {
	if id == l.d.self {
		return
	}
	if _, ok := l.seen[id]; ok {
		return
	}
	l.seen[id] = struct{}{}
	heap.Push(&l.queue, candidate{id: id, dist: l.target.Xor(HashPeer(id))})
}

// worthQuerying applies the closer-than-best rule: a candidate is
// queried iff fewer than k peers responded, or it is strictly closer
// than the k-th best responder.
func (l *lookup) worthQuerying(c candidate) bool {
	k := l.d.config.BucketSize
	if len(l.responded) < k {
		return true
	}
	return c.dist.Less(l.responded[k-1])
}

func (l *lookup) run() {
	defer l.d.unregisterLookup(l)

	alpha := l.d.config.Alpha
	cancelCh := l.cancelCh
	for {
		// Fill the in-flight window with the nearest untried
		// candidates still worth querying.
		for !l.cancelled.Load() && l.inFlight < alpha && l.queue.Len() > 0 {
			c := heap.Pop(&l.queue).(candidate)
			if !l.worthQuerying(c) {
				continue
			}
			l.inFlight++
			go l.query(c.id)
		}

		if l.inFlight == 0 {
			if l.cancelled.Load() {
				l.finishWith(ErrCancelled)
			} else {
				l.finishWith(ErrNotFound)
			}
			return
		}

		select {
		case res := <-l.results:
			l.inFlight--
			if l.cancelled.Load() {
				// Results arriving after cancellation are discarded.
				continue
			}
			if done := l.processResult(res); done {
				l.finishWith(nil)
				return
			}
		case <-cancelCh:
			// Observed once; keep waiting for in-flight results only.
			cancelCh = nil
		}
	}
}

// processResult applies one per-hop outcome: table updates and frontier
// growth on success, failure accounting otherwise. Returns true when
// the executor hook declares the lookup done.
func (l *lookup) processResult(res queryResult) bool {
	if res.err != nil {
		l.log.Debug("lookup hop failed",
			zap.String("query", l.id),
			zap.String("peer", res.from.ShortString()),
			zap.Error(res.err))
		return false
	}

	// The responder answered over a live stream: refresh it in the
	// routing table as connected before the next hop is scheduled.
	info := l.d.peerRepo.PeerInfo(res.from)
	l.d.AddPeer(info, false, true)

	l.markResponded(res.from)
	l.succeeded = append(l.succeeded, res.from)

	// Merge closer peers into the frontier.
	for _, wp := range res.msg.CloserPeers {
		pi := wp.Info()
		if pi.ID.Validate() != nil {
			continue
		}
		if wp.Connection != peer.CannotConnect && pi.HasAddrs() {
			l.d.AddPeer(pi, false, false)
		}
		l.push(pi.ID)
	}

	return l.handleResponse(res.from, res.msg)
}

// markResponded inserts the peer's distance into the sorted responded
// list.
func (l *lookup) markResponded(id peer.ID) {
	dist := l.target.Xor(HashPeer(id))
	pos := len(l.responded)
	for i, d := range l.responded {
		if dist.Less(d) {
			pos = i
			break
		}
	}
	l.responded = append(l.responded, NodeID{})
	copy(l.responded[pos+1:], l.responded[pos:])
	l.responded[pos] = dist
}

// query performs one request/response exchange with a peer. It runs on
// its own goroutine and reports through the buffered results channel.
func (l *lookup) query(id peer.ID) {
	msg, err := l.d.request(id, l.buildRequest())
	l.results <- queryResult{from: id, msg: msg, err: err}
}

func (l *lookup) finishWith(err error) {
	if !l.finished.CompareAndSwap(false, true) {
		return
	}
	l.log.Debug("lookup finished",
		zap.String("query", l.id),
		zap.Int("responded", len(l.responded)),
		zap.Error(err))
	if l.finish != nil {
		fin := l.finish
		l.d.sched.Schedule(func() { fin(err) })
	}
}

// request opens a stream, sends one message, and waits for the single
// reply within the request timeout.
func (d *DHT) request(id peer.ID, msg *wire.Message) (*wire.Message, error) {
	info := d.peerRepo.PeerInfo(id)
	if !info.HasAddrs() {
		// The host may still reach it through an existing connection.
		info = peer.Info{ID: id}
	}

	ctx, cancel := d.requestContext()
	defer cancel()

	stream, err := d.host.NewStream(ctx, info, d.config.Protocols...)
	if err != nil {
		for _, addr := range info.Addrs {
			d.addressRepo.DialFailed(id, addr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer stream.Close()

	// Abort the blocking read when the deadline passes.
	stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })
	defer stop()

	if err := wire.WriteMessage(stream, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWireError, err)
	}

	reply, err := d.readReply(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return reply, nil
}
