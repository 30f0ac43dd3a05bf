package dht

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/host"
	"github.com/WebFirstLanguage/beekad/pkg/identity"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// DHT is the Kademlia facade: it owns the routing tables, the record
// store and the protocol dispatcher, creates lookup executors on
// behalf of the user API, and keeps the routing table fresh with a
// random walk.
type DHT struct {
	config   Config
	host     host.Host
	identity *identity.Identity
	log      *zap.Logger
	clock    clock.Clock
	sched    *scheduler

	self        peer.ID
	routingTable *RoutingTable
	contentTable *ContentRoutingTable
	storage      *Storage
	validator    Validator
	peerRepo     host.PeerRepository
	addressRepo  host.AddressRepository
	limiter      *RateLimiter

	started atomic.Bool

	mu       sync.Mutex
	lookups  map[*lookup]struct{}
	sessions map[*session]struct{}
	subs     []*host.Subscription
	walk     randomWalk
	sweeper  *timerHandle
}

// Option configures a DHT.
type Option func(*DHT)

// WithLogger substitutes the logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *DHT) { d.log = log }
}

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(d *DHT) { d.clock = c }
}

// WithValidator substitutes the record validator.
func WithValidator(v Validator) Option {
	return func(d *DHT) { d.validator = v }
}

// New creates a DHT bound to the given host and identity.
func New(config Config, h host.Host, id *identity.Identity, opts ...Option) (*DHT, error) {
	if h == nil {
		return nil, fmt.Errorf("host is required")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &DHT{
		config:   config,
		host:     h,
		identity: id,
		log:      zap.NewNop(),
		clock:    clock.New(),
		self:     h.ID(),
		lookups:  make(map[*lookup]struct{}),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("dht")

	if d.validator == nil {
		d.validator = NewRecordValidator(d.clock)
	}

	d.sched = newScheduler(d.clock)
	d.routingTable = NewRoutingTable(d.self, config.BucketSize, d.log)
	d.contentTable = NewContentRoutingTable(
		d.clock, d.sched, config.ProviderTTL, constants.DHTProviderSweep, d.log)
	d.storage = NewStorage(d.clock, config.RecordTTL, d.validator)
	d.peerRepo = h.PeerRepository()
	d.addressRepo = d.peerRepo.AddressRepository()
	d.limiter = NewRateLimiter(d.clock, 0, 0)

	// Log each provider entry the sweep expires.
	d.contentTable.OnProviderRemoved(func(key []byte, id peer.ID) {
		d.log.Debug("provider expired",
			zap.String("key", keyString(key)),
			zap.String("peer", id.ShortString()))
	})

	return d, nil
}

// Start registers the protocol handler, arms the provider sweep,
// subscribes to connection events, and begins the random walk.
// Idempotent.
func (d *DHT) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}

	d.contentTable.Start()

	// Save ourselves into the peer repository.
	d.AddPeer(d.host.PeerInfo(), true, false)

	d.host.SetProtocolHandler(d.config.Protocols, d.handleStream)

	d.mu.Lock()
	d.subs = append(d.subs,
		d.host.Bus().SubscribeNewConnection(func(ev host.ConnectionEvent) {
			// Outbound connections only.
			if !ev.Initiator {
				return
			}
			d.log.Debug("new outbound connection",
				zap.String("peer", ev.Peer.ShortString()))
			d.AddPeer(peer.Info{ID: ev.Peer, Addrs: []string{ev.Addr}}, false, true)
		}),
		d.host.Bus().SubscribePeerDisconnected(func(id peer.ID) {
			d.routingTable.Update(id, false, false)
		}),
	)
	d.mu.Unlock()

	d.scheduleStorageSweep()

	if d.config.RandomWalk.Enabled {
		d.scheduleRandomWalk()
	}
}

// scheduleStorageSweep ages dead records out alongside the provider
// sweep.
func (d *DHT) scheduleStorageSweep() {
	if !d.isStarted() {
		return
	}
	d.storage.sweepExpired()
	d.mu.Lock()
	d.sweeper = d.sched.ScheduleAfter(constants.DHTProviderSweep, d.scheduleStorageSweep)
	d.mu.Unlock()
}

// Stop cancels active lookups and sessions and releases timers. The
// host itself is left running.
func (d *DHT) Stop() error {
	if !d.started.CompareAndSwap(true, false) {
		return nil
	}

	d.mu.Lock()
	for _, sub := range d.subs {
		sub.Close()
	}
	d.subs = nil
	d.walk.handle.Cancel()
	d.walk.handle = nil
	d.sweeper.Cancel()
	d.sweeper = nil
	lookups := make([]*lookup, 0, len(d.lookups))
	for l := range d.lookups {
		lookups = append(lookups, l)
	}
	sessions := make([]*session, 0, len(d.sessions))
	for s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, l := range lookups {
		l.cancel()
	}
	for _, s := range sessions {
		s.close()
	}

	d.contentTable.Stop()
	d.sched.Close()
	return nil
}

// Bootstrap seeds the routing table from the configured bootstrap
// peers and runs one random walk iteration against them.
func (d *DHT) Bootstrap() error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	if len(d.config.BootstrapPeers) == 0 {
		return fmt.Errorf("no bootstrap peers configured")
	}
	for _, info := range d.config.BootstrapPeers {
		d.AddPeer(info, true, false)
	}
	return d.FindRandomPeer()
}

// AddPeer records a peer's addresses and inserts it into the routing
// table. Peers without addresses are skipped.
func (d *DHT) AddPeer(info peer.Info, permanent, isConnected bool) {
	if !info.HasAddrs() {
		d.log.Debug("peer skipped: no addresses",
			zap.String("peer", info.ID.ShortString()))
		return
	}

	ttl := constants.AddressTTL
	if permanent {
		ttl = host.PermanentTTL
	}
	if err := d.addressRepo.UpsertAddresses(info.ID, info.Addrs, ttl); err != nil {
		d.log.Debug("address upsert failed",
			zap.String("peer", info.ID.ShortString()),
			zap.Error(err))
		return
	}

	switch d.routingTable.Update(info.ID, permanent, isConnected) {
	case PeerAdded:
		d.log.Debug("peer added to routing table",
			zap.String("peer", info.ID.ShortString()),
			zap.Int("total", d.routingTable.Size()))
	case PeerUpdated:
	case PeerRejected:
		d.log.Debug("peer not added to routing table",
			zap.String("peer", info.ID.ShortString()))
	}
}

// RoutingTable exposes the peer routing table.
func (d *DHT) RoutingTable() *RoutingTable {
	return d.routingTable
}

// ContentRoutingTable exposes the provider index.
func (d *DHT) ContentRoutingTable() *ContentRoutingTable {
	return d.contentTable
}

// Storage exposes the local record store.
func (d *DHT) Storage() *Storage {
	return d.storage
}

func (d *DHT) isStarted() bool {
	return d.started.Load()
}

func (d *DHT) registerLookup(l *lookup) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups[l] = struct{}{}
}

func (d *DHT) unregisterLookup(l *lookup) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lookups, l)
}

// newMessage stamps a request with the configured client version.
func (d *DHT) newMessage(t wire.Type, key []byte) *wire.Message {
	msg := wire.NewMessage(t, key)
	msg.ClientVersion = d.config.ClientVersion
	return msg
}

// requestContext bounds one outbound exchange.
func (d *DHT) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.config.RequestTimeout)
}

func (d *DHT) readReply(stream host.Stream) (*wire.Message, error) {
	msg, err := wire.ReadMessage(bufio.NewReader(stream))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWireError, err)
	}
	return msg, nil
}

// send writes one message on a fresh stream without awaiting a reply.
func (d *DHT) send(id peer.ID, msg *wire.Message) error {
	info := d.peerRepo.PeerInfo(id)
	if !info.HasAddrs() {
		info = peer.Info{ID: id}
	}

	ctx, cancel := d.requestContext()
	defer cancel()

	stream, err := d.host.NewStream(ctx, info, d.config.Protocols...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer stream.Close()

	if err := wire.WriteMessage(stream, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrWireError, err)
	}
	return nil
}

func keyString(key []byte) string {
	return base58.Encode(key)
}
