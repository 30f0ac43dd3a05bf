package dht

import (
	"bufio"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/pkg/host"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/wire"
)

// sessionOwner is the narrow surface a session needs from its owner:
// message dispatch plus teardown notice.
type sessionOwner interface {
	onMessage(s *session, msg *wire.Message)
	onSessionClosed(s *session)
}

// session drives one inbound stream: read a request, hand it to the
// owner, accept one reply, read again. An idle timer armed after each
// write tears the stream down if the remote goes quiet.
type session struct {
	stream host.Stream
	reader *bufio.Reader
	sched  *scheduler
	log    *zap.Logger

	responseTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	idleTimer *timerHandle
}

func newSession(stream host.Stream, sched *scheduler, responseTimeout time.Duration, log *zap.Logger) *session {
	return &session{
		stream:          stream,
		reader:          bufio.NewReader(stream),
		sched:           sched,
		log:             log,
		responseTimeout: responseTimeout,
	}
}

func (s *session) remotePeer() peer.ID {
	return s.stream.RemotePeer()
}

// serve runs the server-role read loop until the stream fails or the
// idle timer fires.
func (s *session) serve(owner sessionOwner) {
	defer func() {
		s.close()
		owner.onSessionClosed(s)
	}()

	for {
		msg, err := wire.ReadMessage(s.reader)
		s.cancelIdle()
		if err != nil {
			if !s.isClosed() {
				s.log.Debug("session read ended",
					zap.String("peer", s.remotePeer().ShortString()),
					zap.Error(err))
			}
			return
		}
		owner.onMessage(s, msg)
	}
}

// write sends one framed reply and arms the idle timer for the next
// read.
func (s *session) write(msg *wire.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrCancelled
	}
	s.mu.Unlock()

	if err := wire.WriteMessage(s.stream, msg); err != nil {
		s.close()
		return err
	}
	s.armIdle()
	return nil
}

// armIdle starts the response timeout; expiry resets the stream, which
// unblocks the read loop.
func (s *session) armIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.idleTimer.Cancel()
	s.idleTimer = s.sched.ScheduleAfter(s.responseTimeout, func() {
		s.log.Debug("session idle timeout",
			zap.String("peer", s.remotePeer().ShortString()))
		s.close()
	})
}

func (s *session) cancelIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleTimer.Cancel()
	s.idleTimer = nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.idleTimer.Cancel()
	s.idleTimer = nil
	s.mu.Unlock()

	_ = s.stream.Reset()
}
