package dht

import (
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// FoundValueHandler receives the outcome of a GetValue query.
type FoundValueHandler func(value []byte, err error)

// GetValue resolves a key to a value. A live local record answers
// without network traffic; otherwise an iterative lookup collects up to
// quorum valid records and the handler receives the best one.
func (d *DHT) GetValue(key []byte, handler FoundValueHandler) error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	d.log.Debug("CALL: GetValue", zap.String("key", keyString(key)))

	// A live local record answers immediately. An expired one falls
	// through to the network.
	if value, _, err := d.storage.Get(key); err == nil {
		if handler != nil {
			d.sched.Schedule(func() { handler(value, nil) })
			return nil
		}
	}

	l := d.newLookup(HashKey(key), d.log.Named("get_value"))

	var records [][]byte

	l.buildRequest = func() *wire.Message {
		return d.newMessage(wire.GetValue, key)
	}

	l.handleResponse = func(from peer.ID, msg *wire.Message) bool {
		// Responders may attach provider peers for wire compatibility;
		// they are frontier candidates like any closer peer.
		for _, wp := range msg.ProviderPeers {
			pi := wp.Info()
			if pi.ID.Validate() != nil {
				continue
			}
			if wp.Connection != peer.CannotConnect && pi.HasAddrs() {
				d.AddPeer(pi, false, false)
			}
			l.push(pi.ID)
		}

		rec := msg.Record
		if rec == nil || len(rec.Value) == 0 {
			return false
		}
		if err := d.validator.Validate(key, rec.Value); err != nil {
			d.log.Debug("dropping invalid record",
				zap.String("peer", from.ShortString()),
				zap.Error(err))
			return false
		}
		records = append(records, rec.Value)
		return len(records) >= d.config.Quorum
	}

	l.finish = func(err error) {
		if handler == nil {
			return
		}
		if len(records) == 0 {
			handler(nil, err)
			return
		}
		best := 0
		if len(records) > 1 {
			if i, serr := d.validator.Select(key, records); serr == nil {
				best = i
			}
		}
		handler(records[best], nil)
	}

	return l.start()
}
