package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beekad/pkg/host"
	"github.com/WebFirstLanguage/beekad/pkg/identity"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/peerstore"
)

// mockNet wires mock hosts together in memory.
type mockNet struct {
	mu    sync.Mutex
	hosts map[peer.ID]*mockHost
}

func newMockNet() *mockNet {
	return &mockNet{hosts: make(map[peer.ID]*mockHost)}
}

func (mn *mockNet) lookup(id peer.ID) *mockHost {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	return mn.hosts[id]
}

// mockHost implements host.Host over in-process pipes.
type mockHost struct {
	net   *mockNet
	id    peer.ID
	addr  string
	store *peerstore.Store
	bus   *host.Bus

	mu       sync.Mutex
	handlers map[string]host.StreamHandler

	// streamsOpened counts outbound NewStream calls.
	streamsOpened atomic.Int64
}

var _ host.Host = (*mockHost)(nil)

func newMockHost(t *testing.T, mn *mockNet) *mockHost {
	t.Helper()
	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	h := &mockHost{
		net:      mn,
		id:       ident.PeerID(),
		store:    peerstore.New(0),
		bus:      host.NewBus(),
		handlers: make(map[string]host.StreamHandler),
	}
	h.addr = fmt.Sprintf("/mock/%s", h.id.ShortString())

	mn.mu.Lock()
	mn.hosts[h.id] = h
	mn.mu.Unlock()
	return h
}

func (h *mockHost) ID() peer.ID { return h.id }

func (h *mockHost) PeerInfo() peer.Info {
	return peer.Info{ID: h.id, Addrs: []string{h.addr}}
}

func (h *mockHost) SetProtocolHandler(protocols []string, handler host.StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range protocols {
		h.handlers[p] = handler
	}
}

func (h *mockHost) NewStream(ctx context.Context, info peer.Info, protocols ...string) (host.Stream, error) {
	remote := h.net.lookup(info.ID)
	if remote == nil {
		return nil, fmt.Errorf("peer %s not reachable", info.ID.ShortString())
	}

	remote.mu.Lock()
	var handler host.StreamHandler
	proto := ""
	for _, p := range protocols {
		if hd, ok := remote.handlers[p]; ok {
			handler = hd
			proto = p
			break
		}
	}
	remote.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("peer %s has no handler", info.ID.ShortString())
	}

	h.streamsOpened.Add(1)

	clientConn, serverConn := net.Pipe()
	client := &mockStream{conn: clientConn, remote: remote.id, proto: proto}
	server := &mockStream{conn: serverConn, remote: h.id, proto: proto}
	go handler(server)
	return client, nil
}

func (h *mockHost) Connectedness(info peer.Info) peer.Connectedness {
	if h.net.lookup(info.ID) != nil {
		return peer.CanConnect
	}
	return peer.NotConnected
}

func (h *mockHost) PeerRepository() host.PeerRepository { return h.store }
func (h *mockHost) Bus() *host.Bus                      { return h.bus }
func (h *mockHost) Close() error                        { return nil }

type mockStream struct {
	conn   net.Conn
	remote peer.ID
	proto  string
}

func (s *mockStream) Read(b []byte) (int, error)  { return s.conn.Read(b) }
func (s *mockStream) Write(b []byte) (int, error) { return s.conn.Write(b) }
func (s *mockStream) Close() error                { return s.conn.Close() }
func (s *mockStream) Reset() error                { return s.conn.Close() }
func (s *mockStream) RemotePeer() peer.ID         { return s.remote }
func (s *mockStream) Protocol() string            { return s.proto }

// newTestNode builds a started DHT on a fresh mock host.
func newTestNode(t *testing.T, mn *mockNet, opts ...Option) (*DHT, *mockHost) {
	t.Helper()
	h := newMockHost(t, mn)

	cfg := DefaultConfig()
	cfg.RandomWalk.Enabled = false
	cfg.RequestTimeout = 2 * time.Second
	cfg.ResponseTimeout = 2 * time.Second

	opts = append([]Option{WithValidator(NullValidator{})}, opts...)
	d, err := New(cfg, h, nil, opts...)
	if err != nil {
		t.Fatalf("failed to create DHT: %v", err)
	}
	d.Start()
	t.Cleanup(func() { _ = d.Stop() })
	return d, h
}

// connectNodes teaches a about b.
func connectNodes(a *DHT, b *mockHost) {
	a.AddPeer(peer.Info{ID: b.id, Addrs: []string{b.addr}}, false, true)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
