// Package peerstore provides the in-memory peer and address
// repositories backed by a TTL-expiring LRU. Addresses learned from the
// network age out; addresses marked permanent are pinned for the
// process lifetime.
package peerstore

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/host"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// addrCacheSize bounds the expiring address book.
const addrCacheSize = 65536

type addrEntry struct {
	peer peer.ID
	addr string
}

// Store implements host.PeerRepository and host.AddressRepository.
type Store struct {
	mu        sync.RWMutex
	permanent map[peer.ID]map[string]struct{}
	expiring  *expirable.LRU[string, addrEntry]
	failures  map[peer.ID]map[string]time.Time
	clock     clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an empty store. Expiring addresses live for ttl; a zero
// ttl uses the default address TTL.
func New(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = constants.AddressTTL
	}
	s := &Store{
		permanent: make(map[peer.ID]map[string]struct{}),
		failures:  make(map[peer.ID]map[string]time.Time),
		clock:     clock.New(),
	}
	s.expiring = expirable.NewLRU[string, addrEntry](addrCacheSize, nil, ttl)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ host.PeerRepository = (*Store)(nil)
var _ host.AddressRepository = (*Store)(nil)

// PeerInfo returns the known dialing info for a peer.
func (s *Store) PeerInfo(id peer.ID) peer.Info {
	return peer.Info{ID: id, Addrs: s.Addresses(id)}
}

// Peers lists all peers with at least one live address.
func (s *Store) Peers() []peer.ID {
	seen := make(map[peer.ID]struct{})

	s.mu.RLock()
	for id, addrs := range s.permanent {
		if len(addrs) > 0 {
			seen[id] = struct{}{}
		}
	}
	s.mu.RUnlock()

	for _, e := range s.expiring.Values() {
		seen[e.peer] = struct{}{}
	}

	out := make([]peer.ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// AddressRepository exposes the address book.
func (s *Store) AddressRepository() host.AddressRepository {
	return s
}

// UpsertAddresses adds or refreshes addresses for a peer.
func (s *Store) UpsertAddresses(id peer.ID, addrs []string, ttl time.Duration) error {
	if err := id.Validate(); err != nil {
		return err
	}
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		if ttl == host.PermanentTTL {
			s.mu.Lock()
			set, ok := s.permanent[id]
			if !ok {
				set = make(map[string]struct{})
				s.permanent[id] = set
			}
			set[addr] = struct{}{}
			s.mu.Unlock()
		} else {
			s.expiring.Add(addrKey(id, addr), addrEntry{peer: id, addr: addr})
		}
		// A fresh address supersedes an old dial failure.
		s.mu.Lock()
		if fails, ok := s.failures[id]; ok {
			delete(fails, addr)
		}
		s.mu.Unlock()
	}
	return nil
}

// Addresses returns the live addresses for a peer, permanent first.
func (s *Store) Addresses(id peer.ID) []string {
	var out []string

	s.mu.RLock()
	for addr := range s.permanent[id] {
		out = append(out, addr)
	}
	s.mu.RUnlock()

	for _, e := range s.expiring.Values() {
		if e.peer == id {
			out = append(out, e.addr)
		}
	}
	return out
}

// DialFailed records a failed dial, dropping the expiring address and
// remembering the failure time.
func (s *Store) DialFailed(id peer.ID, addr string) {
	s.expiring.Remove(addrKey(id, addr))

	s.mu.Lock()
	defer s.mu.Unlock()
	fails, ok := s.failures[id]
	if !ok {
		fails = make(map[string]time.Time)
		s.failures[id] = fails
	}
	fails[addr] = s.clock.Now()
}

// LastDialFailure returns the most recent dial failure for a peer, or
// the zero time if none is recorded.
func (s *Store) LastDialFailure(id peer.ID) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, t := range s.failures[id] {
		if t.After(last) {
			last = t
		}
	}
	return last
}

func addrKey(id peer.ID, addr string) string {
	return string(id) + "\x00" + addr
}
