package dht

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/host"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// handleStream is the protocol handler registered with the host: it
// wraps each inbound stream in a session and serves it.
func (d *DHT) handleStream(stream host.Stream) {
	remote := stream.RemotePeer()
	if remote == d.self {
		d.log.Debug("incoming stream with ourselves")
		_ = stream.Reset()
		return
	}

	d.log.Debug("incoming stream", zap.String("peer", remote.ShortString()))

	s := newSession(stream, d.sched, d.config.ResponseTimeout, d.log)
	d.mu.Lock()
	d.sessions[s] = struct{}{}
	d.mu.Unlock()

	go s.serve(d)
}

func (d *DHT) onSessionClosed(s *session) {
	d.mu.Lock()
	delete(d.sessions, s)
	d.mu.Unlock()
}

// onMessage dispatches one decoded inbound message.
func (d *DHT) onMessage(s *session, msg *wire.Message) {
	if !d.limiter.Allow(s.remotePeer()) {
		d.log.Warn("inbound request rate limited",
			zap.String("peer", s.remotePeer().ShortString()))
		return
	}

	switch msg.Type {
	case wire.PutValue:
		d.onPutValue(s, msg)
	case wire.GetValue:
		d.onGetValue(s, msg)
	case wire.AddProvider:
		d.onAddProvider(s, msg)
	case wire.GetProviders:
		d.onGetProviders(s, msg)
	case wire.FindNode:
		d.onFindNode(s, msg)
	case wire.Ping:
		d.onPing(s, msg)
	}
}

// onPutValue validates and stores the enclosed record, echoing the
// request as the reply. Invalid records are dropped without a reply.
func (d *DHT) onPutValue(s *session, msg *wire.Message) {
	if msg.Record == nil {
		d.log.Warn("incoming PutValue failed: no record in message")
		return
	}

	d.log.Debug("MSG: PutValue", zap.String("key", keyString(msg.Record.Key)))

	if err := d.validator.Validate(msg.Record.Key, msg.Record.Value); err != nil {
		d.log.Warn("incoming PutValue failed", zap.Error(err))
		return
	}

	if err := d.storage.Put(msg.Record.Key, msg.Record.Value); err != nil {
		d.log.Warn("incoming PutValue failed", zap.Error(err))
		return
	}

	// Echo request.
	d.reply(s, msg)
}

// onGetValue attaches known providers and the stored record, if any.
func (d *DHT) onGetValue(s *session, msg *wire.Message) {
	if len(msg.Key) == 0 {
		d.log.Warn("incoming GetValue failed: empty key in message")
		return
	}

	d.log.Debug("MSG: GetValue", zap.String("key", keyString(msg.Key)))

	// Providers are attached even for plain value keys, for wire
	// compatibility.
	if providers := d.contentTable.ProvidersFor(msg.Key, 0); len(providers) > 0 {
		msg.ProviderPeers = d.wirePeers(providers)
	}

	if value, expiry, err := d.storage.Get(msg.Key); err == nil {
		msg.Record = &wire.Record{
			Key:    msg.Key,
			Value:  value,
			Expiry: strconv.FormatInt(expiry.UnixMilli(), 10),
		}
	}

	d.reply(s, msg)
}

// onAddProvider records provider entries that the remote peer claims
// for itself; entries attributed to other peers are ignored. No reply.
func (d *DHT) onAddProvider(s *session, msg *wire.Message) {
	if len(msg.ProviderPeers) == 0 {
		d.log.Warn("incoming AddProvider failed: no provider peers in message")
		return
	}

	d.log.Debug("MSG: AddProvider", zap.String("key", keyString(msg.Key)))

	remote := s.remotePeer()
	for _, wp := range msg.ProviderPeers {
		info := wp.Info()
		if info.ID != remote {
			continue
		}
		// Save providers who have provided themselves.
		d.contentTable.AddProvider(msg.Key, info.ID)
		d.AddPeer(info, false, false)
	}
}

// onGetProviders attaches known providers and the nearest peers to the
// key.
func (d *DHT) onGetProviders(s *session, msg *wire.Message) {
	if len(msg.Key) == 0 {
		d.log.Warn("incoming GetProviders failed: empty key in message")
		return
	}

	d.log.Debug("MSG: GetProviders", zap.String("key", keyString(msg.Key)))

	providers := d.contentTable.ProvidersFor(msg.Key, d.config.CloserPeerCount*2)
	if peers := d.wirePeers(providers); len(peers) > 0 {
		msg.ProviderPeers = peers
	}

	nearest := d.routingTable.NearestPeers(HashKey(msg.Key), d.config.CloserPeerCount*2)
	if peers := d.wirePeers(nearest); len(peers) > 0 {
		msg.CloserPeers = peers
	}

	d.reply(s, msg)
}

// onFindNode absorbs any addresses the caller attached, then answers
// with the nearest peers to the key.
func (d *DHT) onFindNode(s *session, msg *wire.Message) {
	if len(msg.Key) == 0 {
		d.log.Warn("incoming FindNode failed: empty key in message")
		return
	}

	if len(msg.CloserPeers) > 0 {
		for _, wp := range msg.CloserPeers {
			if wp.Connection == peer.CannotConnect {
				continue
			}
			info := wp.Info()
			if info.ID.Validate() != nil || !info.HasAddrs() {
				continue
			}
			_ = d.addressRepo.UpsertAddresses(info.ID, info.Addrs, constants.AddressTTL)
		}
		msg.CloserPeers = nil
	}

	d.log.Debug("MSG: FindNode", zap.String("key", keyString(msg.Key)))

	nearest := d.routingTable.NearestPeers(HashKey(msg.Key), d.config.CloserPeerCount*2)
	if peers := d.wirePeers(nearest); len(peers) > 0 {
		msg.CloserPeers = peers
	}

	d.reply(s, msg)
}

// onPing clears the body and echoes.
func (d *DHT) onPing(s *session, msg *wire.Message) {
	msg.Clear()
	d.reply(s, msg)
}

func (d *DHT) reply(s *session, msg *wire.Message) {
	if err := s.write(msg); err != nil {
		d.log.Debug("reply failed",
			zap.String("peer", s.remotePeer().ShortString()),
			zap.Error(err))
	}
}

// wirePeers converts peer ids to wire peers with fresh dialing info,
// skipping address-less entries and capping at the closer peer count.
func (d *DHT) wirePeers(ids []peer.ID) []wire.Peer {
	peers := make([]wire.Peer, 0, d.config.CloserPeerCount)
	for _, id := range ids {
		info := d.peerRepo.PeerInfo(id)
		if !info.HasAddrs() {
			continue
		}
		peers = append(peers, wire.NewPeer(info, d.host.Connectedness(info)))
		if len(peers) >= d.config.CloserPeerCount {
			break
		}
	}
	return peers
}
