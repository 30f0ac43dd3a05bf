package dht

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// recordingOwner collects dispatched messages and echoes them back.
type recordingOwner struct {
	mu     sync.Mutex
	msgs   []*wire.Message
	closed bool
}

func (o *recordingOwner) onMessage(s *session, msg *wire.Message) {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	_ = s.write(msg)
}

func (o *recordingOwner) onSessionClosed(*session) {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func newPipeSession(t *testing.T, timeout time.Duration) (*session, net.Conn, *recordingOwner) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	sched := newScheduler(clock.New())
	t.Cleanup(sched.Close)

	s := newSession(&mockStream{conn: serverConn, remote: testPeerID(9)}, sched, timeout, zap.NewNop())
	owner := &recordingOwner{}
	go s.serve(owner)
	t.Cleanup(func() { s.close(); clientConn.Close() })
	return s, clientConn, owner
}

func TestSessionRequestReplyLoop(t *testing.T) {
	_, client, owner := newPipeSession(t, time.Minute)

	reader := bufio.NewReader(client)
	for i := 0; i < 3; i++ {
		req := wire.NewMessage(wire.Ping, nil)
		if err := wire.WriteMessage(client, req); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		reply, err := wire.ReadMessage(reader)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if reply.Type != wire.Ping {
			t.Fatalf("reply type = %v", reply.Type)
		}
	}

	owner.mu.Lock()
	n := len(owner.msgs)
	owner.mu.Unlock()
	if n != 3 {
		t.Fatalf("dispatched %d messages, want 3", n)
	}
}

func TestSessionIdleTimeoutClosesStream(t *testing.T) {
	_, client, owner := newPipeSession(t, 50*time.Millisecond)

	// One exchange arms the idle timer.
	if err := wire.WriteMessage(client, wire.NewMessage(wire.Ping, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := wire.ReadMessage(bufio.NewReader(client)); err != nil {
		t.Fatal(err)
	}

	// Then silence: the session must tear down on its own.
	waitFor(t, 2*time.Second, func() bool {
		owner.mu.Lock()
		defer owner.mu.Unlock()
		return owner.closed
	}, "session teardown after idle timeout")
}

func TestSessionMalformedFrameEndsSession(t *testing.T) {
	_, client, owner := newPipeSession(t, time.Minute)

	// An oversized length prefix is rejected outright.
	if _, err := client.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x7f}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		owner.mu.Lock()
		defer owner.mu.Unlock()
		return owner.closed
	}, "session teardown after malformed frame")
}
