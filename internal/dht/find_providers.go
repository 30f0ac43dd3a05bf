package dht

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// FoundProvidersHandler receives the outcome of a FindProviders query.
type FoundProvidersHandler func(providers []peer.Info, err error)

// FindProviders discovers peers that announced the given content key.
// Providers found during the traversal are delivered to the handler at
// termination, bounded by limit (zero means unlimited).
func (d *DHT) FindProviders(key []byte, limit int, handler FoundProvidersHandler) error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	d.log.Debug("CALL: FindProviders", zap.String("key", keyString(key)))

	// Local fast path. Note the strict ">": with exactly limit
	// providers known locally the query still goes to the network.
	// This mirrors the reference behavior and keeps announcements
	// flowing even when the local view looks sufficient.
	if providers := d.contentTable.ProvidersFor(key, 0); len(providers) > 0 {
		if limit > 0 && len(providers) > limit {
			result := make([]peer.Info, 0, limit)
			for _, id := range providers {
				info := d.peerRepo.PeerInfo(id)
				if !info.HasAddrs() {
					continue
				}
				if d.host.Connectedness(info) == peer.CannotConnect {
					continue
				}
				result = append(result, info)
				if len(result) >= limit {
					break
				}
			}
			if len(result) >= limit {
				d.sched.Schedule(func() { handler(result, nil) })
				d.log.Info("providers found locally", zap.Int("count", len(result)))
				return nil
			}
		}
	}

	l := d.newLookup(HashKey(key), d.log.Named("find_providers"))

	found := make(map[peer.ID]peer.Info)

	l.buildRequest = func() *wire.Message {
		return d.newMessage(wire.GetProviders, key)
	}

	l.handleResponse = func(from peer.ID, msg *wire.Message) bool {
		for _, wp := range msg.ProviderPeers {
			pi := wp.Info()
			if pi.ID.Validate() != nil || pi.ID == d.self {
				continue
			}
			if wp.Connection != peer.CannotConnect && pi.HasAddrs() {
				d.AddPeer(pi, false, false)
			}
			if _, ok := found[pi.ID]; !ok {
				found[pi.ID] = pi
			}
		}
		return limit > 0 && len(found) >= limit
	}

	l.finish = func(err error) {
		if handler == nil {
			return
		}
		if len(found) == 0 {
			handler(nil, err)
			return
		}
		providers := make([]peer.Info, 0, len(found))
		for _, info := range found {
			providers = append(providers, info)
			if limit > 0 && len(providers) >= limit {
				break
			}
		}
		handler(providers, nil)
	}

	return l.start()
}
