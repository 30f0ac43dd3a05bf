// Package quic implements the host contract over QUIC: TLS 1.3
// security with identity-bearing certificates, one QUIC stream per
// protocol exchange, and protocol negotiation by a length-prefixed
// header frame.
package quic

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/host"
	"github.com/WebFirstLanguage/beekad/pkg/identity"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/peerstore"
)

// maxProtocolIDLen bounds the stream negotiation header.
const maxProtocolIDLen = 256

// dialFailureWindow is how long a failed dial marks a peer CannotConnect.
const dialFailureWindow = 5 * time.Minute

// Host is a QUIC-backed implementation of host.Host.
type Host struct {
	identity *identity.Identity
	self     peer.ID
	store    *peerstore.Store
	bus      *host.Bus
	log      *zap.Logger

	listener *quic.Listener
	quicConf *quic.Config

	mu       sync.Mutex
	handlers map[string]host.StreamHandler
	conns    map[peer.ID]*quic.Conn
	closed   bool
}

var _ host.Host = (*Host)(nil)

// NewHost creates a host bound to the given identity. Call Listen to
// accept inbound connections.
func NewHost(id *identity.Identity, store *peerstore.Store, log *zap.Logger) (*Host, error) {
	if id == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if store == nil {
		store = peerstore.New(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{
		identity: id,
		self:     id.PeerID(),
		store:    store,
		bus:      host.NewBus(),
		log:      log.Named("quic"),
		quicConf: &quic.Config{
			MaxIdleTimeout:  5 * time.Minute,
			KeepAlivePeriod: 30 * time.Second,
		},
		handlers: make(map[string]host.StreamHandler),
		conns:    make(map[peer.ID]*quic.Conn),
	}, nil
}

// Listen starts accepting connections on the given UDP address, e.g.
// "0.0.0.0:27487".
func (h *Host) Listen(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf("0.0.0.0:%d", constants.DefaultQUICPort)
	}
	tlsConf, err := newTLSConfig(h.identity)
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, h.quicConf)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.log.Info("listening", zap.String("addr", listener.Addr().String()))
	go h.acceptLoop(listener)
	return nil
}

// ID returns the local peer id.
func (h *Host) ID() peer.ID {
	return h.self
}

// PeerInfo returns the local dialing info.
func (h *Host) PeerInfo() peer.Info {
	info := peer.Info{ID: h.self}
	h.mu.Lock()
	listener := h.listener
	h.mu.Unlock()
	if listener != nil {
		if ua, ok := listener.Addr().(*net.UDPAddr); ok {
			info.Addrs = []string{multiaddrFromUDP(ua)}
		}
	}
	return info
}

// SetProtocolHandler registers handler for the given protocol ids.
func (h *Host) SetProtocolHandler(protocols []string, handler host.StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range protocols {
		h.handlers[p] = handler
	}
}

// NewStream opens an outbound stream, dialing the peer if needed.
func (h *Host) NewStream(ctx context.Context, info peer.Info, protocols ...string) (host.Stream, error) {
	if len(protocols) == 0 {
		return nil, fmt.Errorf("no protocols given")
	}

	conn, err := h.connect(ctx, info)
	if err != nil {
		return nil, err
	}

	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	proto := protocols[0]
	if err := writeProtocolHeader(str, proto); err != nil {
		str.CancelRead(0)
		str.CancelWrite(0)
		return nil, err
	}

	return &stream{str: str, remote: info.ID, proto: proto}, nil
}

// Connectedness probes reachability of a peer.
func (h *Host) Connectedness(info peer.Info) peer.Connectedness {
	h.mu.Lock()
	_, connected := h.conns[info.ID]
	h.mu.Unlock()
	if connected {
		return peer.Connected
	}

	if last := h.store.LastDialFailure(info.ID); !last.IsZero() &&
		time.Since(last) < dialFailureWindow {
		return peer.CannotConnect
	}

	if info.HasAddrs() || len(h.store.Addresses(info.ID)) > 0 {
		return peer.CanConnect
	}
	return peer.NotConnected
}

// PeerRepository exposes the peer metadata store.
func (h *Host) PeerRepository() host.PeerRepository {
	return h.store
}

// Bus exposes connection lifecycle events.
func (h *Host) Bus() *host.Bus {
	return h.bus
}

// Close shuts the listener and all connections down.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	listener := h.listener
	conns := make([]*quic.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var err error
	if listener != nil {
		err = multierr.Append(err, listener.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.CloseWithError(0, "host closed"))
	}
	return err
}

// connect returns a live connection to the peer, reusing one when
// possible.
func (h *Host) connect(ctx context.Context, info peer.Info) (*quic.Conn, error) {
	h.mu.Lock()
	if conn, ok := h.conns[info.ID]; ok {
		h.mu.Unlock()
		return conn, nil
	}
	h.mu.Unlock()

	addrs := info.Addrs
	if len(addrs) == 0 {
		addrs = h.store.Addresses(info.ID)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", info.ID.ShortString())
	}

	tlsConf, err := newTLSConfig(h.identity)
	if err != nil {
		return nil, err
	}

	var dialErr error
	for _, maddr := range addrs {
		hostport, err := parseMultiaddr(maddr)
		if err != nil {
			dialErr = multierr.Append(dialErr, err)
			continue
		}

		conn, err := quic.DialAddr(ctx, hostport, tlsConf, h.quicConf)
		if err != nil {
			h.store.DialFailed(info.ID, maddr)
			dialErr = multierr.Append(dialErr, err)
			continue
		}

		remote, err := peerIDFromTLS(conn.ConnectionState().TLS)
		if err != nil || (info.ID != "" && remote != info.ID) {
			_ = conn.CloseWithError(1, "peer identity mismatch")
			dialErr = multierr.Append(dialErr, fmt.Errorf("identity mismatch at %s", maddr))
			continue
		}

		_ = h.store.UpsertAddresses(remote, []string{maddr}, constants.AddressTTL)
		h.trackConn(remote, maddr, conn, true)
		return conn, nil
	}
	return nil, fmt.Errorf("all dials failed: %w", dialErr)
}

// trackConn registers a connection, publishes the event, and watches
// for teardown.
func (h *Host) trackConn(remote peer.ID, addr string, conn *quic.Conn, initiator bool) {
	h.mu.Lock()
	if old, ok := h.conns[remote]; ok && old != conn {
		_ = old.CloseWithError(0, "superseded")
	}
	h.conns[remote] = conn
	h.mu.Unlock()

	h.bus.PublishNewConnection(host.ConnectionEvent{
		Peer:      remote,
		Addr:      addr,
		Initiator: initiator,
	})

	go func() {
		<-conn.Context().Done()
		h.mu.Lock()
		if h.conns[remote] == conn {
			delete(h.conns, remote)
		}
		closed := h.closed
		h.mu.Unlock()
		if !closed {
			h.bus.PublishPeerDisconnected(remote)
		}
	}()
}

func (h *Host) acceptLoop(listener *quic.Listener) {
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return
		}

		remote, err := peerIDFromTLS(conn.ConnectionState().TLS)
		if err != nil {
			h.log.Debug("rejecting unauthenticated connection", zap.Error(err))
			_ = conn.CloseWithError(1, "unauthenticated")
			continue
		}

		addr := ""
		if ua, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
			addr = multiaddrFromUDP(ua)
		}
		h.trackConn(remote, addr, conn, false)

		go h.streamLoop(conn, remote)
	}
}

func (h *Host) streamLoop(conn *quic.Conn, remote peer.ID) {
	for {
		str, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go h.handleInbound(str, remote)
	}
}

func (h *Host) handleInbound(str *quic.Stream, remote peer.ID) {
	proto, err := readProtocolHeader(str)
	if err != nil {
		h.log.Debug("bad protocol header", zap.Error(err))
		str.CancelRead(0)
		str.CancelWrite(0)
		return
	}

	h.mu.Lock()
	handler, ok := h.handlers[proto]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("no handler for protocol", zap.String("protocol", proto))
		str.CancelRead(0)
		str.CancelWrite(0)
		return
	}

	handler(&stream{str: str, remote: remote, proto: proto})
}

// stream adapts a QUIC stream to host.Stream.
type stream struct {
	str    *quic.Stream
	remote peer.ID
	proto  string
}

func (s *stream) Read(b []byte) (int, error)  { return s.str.Read(b) }
func (s *stream) Write(b []byte) (int, error) { return s.str.Write(b) }

func (s *stream) Close() error {
	return s.str.Close()
}

func (s *stream) Reset() error {
	s.str.CancelRead(0)
	s.str.CancelWrite(0)
	return nil
}

func (s *stream) RemotePeer() peer.ID { return s.remote }
func (s *stream) Protocol() string    { return s.proto }

// writeProtocolHeader sends the negotiated protocol id as one
// length-prefixed frame.
func writeProtocolHeader(w io.Writer, proto string) error {
	buf := varint.ToUvarint(uint64(len(proto)))
	buf = append(buf, proto...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write protocol header: %w", err)
	}
	return nil
}

// readProtocolHeader reads the protocol id without over-reading into
// the first message.
func readProtocolHeader(r io.Reader) (string, error) {
	size, err := varint.ReadUvarint(singleByteReader{r})
	if err != nil {
		return "", fmt.Errorf("failed to read protocol header: %w", err)
	}
	if size == 0 || size > maxProtocolIDLen {
		return "", fmt.Errorf("protocol id length %d out of range", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read protocol id: %w", err)
	}
	return string(buf), nil
}

// singleByteReader reads one byte at a time so no stream bytes are
// buffered past the header.
type singleByteReader struct {
	r io.Reader
}

func (s singleByteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// parseMultiaddr reduces "/ip4/1.2.3.4/udp/27487/quic" to "1.2.3.4:27487".
func parseMultiaddr(maddr string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(maddr, "/"), "/")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid multiaddr %q", maddr)
	}
	switch parts[0] {
	case "ip4", "ip6", "dns4", "dns6":
	default:
		return "", fmt.Errorf("unsupported multiaddr %q", maddr)
	}
	if parts[2] != "udp" {
		return "", fmt.Errorf("unsupported transport in %q", maddr)
	}
	return net.JoinHostPort(parts[1], parts[3]), nil
}

// multiaddrFromUDP renders a UDP address in multiaddr form.
func multiaddrFromUDP(ua *net.UDPAddr) string {
	proto := "ip4"
	if ua.IP.To4() == nil {
		proto = "ip6"
	}
	return fmt.Sprintf("/%s/%s/udp/%d/quic", proto, ua.IP.String(), ua.Port)
}
