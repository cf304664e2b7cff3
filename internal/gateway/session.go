// Package gateway implements the downstream side of the bot: the TCP line
// protocol spoken by trusted local applications, the per-connection session
// goroutine, and the correlation of upstream lobby replies back to the
// session that asked.
package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lobbyserv/gateway/internal/metrics"
)

// ErrConnectionSetup is returned when a freshly accepted connection cannot be
// configured for session use.
var ErrConnectionSetup = errors.New("failed to set up downstream connection")

// Upstream is the reply router: the sole owner and writer of the lobby
// session.
type Upstream interface {
	Send(line string)
	IsConnected() bool
}

// Session owns one downstream connection end to end: its I/O, its
// authentication state, and its single-outstanding correlated upstream
// request. Exactly one goroutine (Run) drives it; the registry and the reply
// router only touch it through Deliver and Kill.
type Session struct {
	corrID int
	sid    string // diagnostic identity for logs, distinct from corrID
	peer   string

	conn   net.Conn
	reader *bufio.Reader

	upstream Upstream
	registry *Registry
	// allowedQuery is the fixed allow-list of QUERYSERVER subcommands.
	allowedQuery map[string]struct{}

	readTimeout time.Duration

	// authenticated gates every command except IDENTIFY. Only the session
	// goroutine touches it.
	authenticated bool

	// replySlot is the single-element hand-off for the correlated reply.
	// At most one request is in flight per session, so a send never blocks
	// for long.
	replySlot chan string
	// pendingSince is set when a correlated request goes out, for latency
	// accounting. Session goroutine only.
	pendingSince time.Time

	done     chan struct{}
	killOnce sync.Once

	log zerolog.Logger
}

// NewSession prepares a session for an accepted connection: it picks the
// correlation ID, disables send-coalescing so every reply is flushed
// immediately, and registers the session so upstream replies can find it.
func NewSession(conn net.Conn, upstream Upstream, registry *Registry, allowedQuery map[string]struct{}, readTimeout time.Duration, logger *zerolog.Logger) (*Session, error) {
	s := &Session{
		corrID:       newCorrelationID(),
		sid:          uuid.NewString(),
		peer:         conn.RemoteAddr().String(),
		conn:         conn,
		reader:       bufio.NewReader(conn),
		upstream:     upstream,
		registry:     registry,
		allowedQuery: allowedQuery,
		readTimeout:  readTimeout,
		replySlot:    make(chan string, 1),
		done:         make(chan struct{}),
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrConnectionSetup, err)
		}
	}

	registry.Register(s)

	s.log = logger.With().
		Str("session", s.sid).
		Int("corr_id", s.corrID).
		Str("peer", s.peer).
		Logger()

	return s, nil
}

// CorrelationID returns the tag used on correlated upstream requests.
func (s *Session) CorrelationID() int { return s.corrID }

// Run reads and processes lines until the connection ends. A read timeout,
// EOF, or I/O error terminates the session; a dropped connection is not
// resumable.
func (s *Session) Run() {
	defer s.Kill()

	s.log.Debug().Msg("session started")
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.log.Debug().Err(err).Msg("failed to arm read deadline")
			return
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.log.Debug().Err(err).Msg("session read ended")
			return
		}
		if killed := s.processCommand(line); killed {
			return
		}
	}
}

// sendLine writes one reply line to the downstream peer. Only the session's
// own goroutine may call it; the protocol is strictly synchronous per session.
func (s *Session) sendLine(text string) {
	s.log.Debug().Str("line", text).Msg("send")
	if _, err := s.conn.Write([]byte(text + "\n")); err != nil {
		s.log.Debug().Err(err).Msg("downstream write failed")
	}
}

// queryUpstream sends one correlation-tagged request via the reply router.
func (s *Session) queryUpstream(text string) {
	metrics.UpstreamQueriesTotal.Inc()
	s.pendingSince = time.Now()
	s.upstream.Send(fmt.Sprintf("#%d %s", s.corrID, text))
}

// awaitReply blocks until the reply router hands over the response to the
// session's outstanding request, or until the session is killed. The wait is
// deliberately unbounded beyond the connection lifetime: the lobby protocol
// gives no way to cancel a request once sent.
func (s *Session) awaitReply() (string, bool) {
	select {
	case reply := <-s.replySlot:
		metrics.ReplyLatency.Observe(time.Since(s.pendingSince).Seconds())
		return reply, true
	case <-s.done:
		return "", false
	}
}

// Deliver hands an upstream reply to the session. Called from the reply
// router's goroutine; blocks briefly if the slot is momentarily full, and
// logs (never silently drops) a reply for a session that died mid-flight.
func (s *Session) Deliver(line string) {
	select {
	case s.replySlot <- line:
	case <-s.done:
		s.log.Warn().Str("line", line).Msg("reply arrived for dead session")
	}
}

// Kill terminates the session: it closes the connection, wakes a blocked
// reply wait, and removes the session from the registry. Idempotent and safe
// to call concurrently with natural connection closure.
func (s *Session) Kill() {
	s.killOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.registry.Unregister(s)
		s.log.Debug().Msg("session closed")
	})
}
