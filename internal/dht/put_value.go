package dht

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// PutValue stores a value locally and replicates it to the closest
// peers. The synchronous result covers validation and local storage;
// replication proceeds in the background, tolerating individual
// failures.
func (d *DHT) PutValue(key, value []byte) error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	d.log.Debug("CALL: PutValue", zap.String("key", keyString(key)))

	if err := d.storage.Put(key, value); err != nil {
		return err
	}

	return d.newFindPeerLookup(key, "", func(_ peer.Info, succeeded []peer.ID, _ error) {
		// Off the scheduler goroutine: the broadcast blocks on its
		// requests.
		go d.broadcastPutValue(key, value, succeeded)
	}).start()
}

// PutSignedValue wraps the value in a signed record envelope before
// storing. seq orders successive writes of the same key.
func (d *DHT) PutSignedValue(key, value []byte, seq uint64) error {
	if d.identity == nil {
		return ErrNotStarted
	}
	rec, err := wire.NewSignedRecord(key, value, seq,
		d.clock.Now().Add(d.config.RecordTTL), d.identity.SigningPrivateKey)
	if err != nil {
		return err
	}
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	return d.PutValue(key, data)
}

// broadcastPutValue is the one-shot second phase: a PutValue message to
// each peer that answered the preceding traversal, bounded by the
// replication factor. Individual failures are ignored.
func (d *DHT) broadcastPutValue(key, value []byte, addressees []peer.ID) {
	if len(addressees) > d.config.ReplicationFactor {
		addressees = addressees[:d.config.ReplicationFactor]
	}

	expiry := strconv.FormatInt(d.clock.Now().Add(d.config.RecordTTL).UnixMilli(), 10)

	var wg sync.WaitGroup
	for _, id := range addressees {
		wg.Add(1)
		go func(id peer.ID) {
			defer wg.Done()
			msg := d.newMessage(wire.PutValue, key)
			msg.Record = &wire.Record{Key: key, Value: value, Expiry: expiry}
			if _, err := d.request(id, msg); err != nil {
				d.log.Debug("put replication failed",
					zap.String("peer", id.ShortString()),
					zap.Error(err))
			}
		}(id)
	}
	wg.Wait()

	d.log.Debug("value replicated",
		zap.String("key", keyString(key)),
		zap.Int("peers", len(addressees)))
}
