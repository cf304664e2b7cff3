// Package lobby maintains the single upstream session with the lobby server
// and routes its traffic: correlation-tagged replies go back to the waiting
// downstream session, chat and presence events feed the abuse engine. It is
// the only component that reads from or writes to the upstream channel.
//
// This is deliberately not a full lobby-protocol implementation; every verb
// the gateway has no use for is ignored.
package lobby

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// reconnectDelay is the pause between dial attempts when the upstream session
// drops.
const reconnectDelay = 5 * time.Second

// Router delivers a correlation-tagged reply to the session that issued the
// request.
type Router interface {
	Deliver(corrID int, line string) bool
}

// Presence tracks which chat clients are online, for ISONLINE lookups.
type Presence interface {
	SetOnline(name string)
	SetOffline(name string)
}

// Moderation receives observed chat traffic for abuse detection.
type Moderation interface {
	ProcessUserMessage(channel, user, msg string)
	ProcessStatusChange(name string)
}

// Client owns the upstream lobby session.
type Client struct {
	addr       string
	router     Router
	presence   Presence
	moderation Moderation
	log        *zerolog.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

// New builds an upstream client; call Run to establish the session.
// The abuse engine is attached separately because it in turn sends its
// directives through this client.
func New(addr string, router Router, presence Presence, logger *zerolog.Logger) *Client {
	return &Client{
		addr:     addr,
		router:   router,
		presence: presence,
		log:      logger,
	}
}

// AttachModeration wires the consumer of observed chat traffic. Must be
// called before Run.
func (c *Client) AttachModeration(m Moderation) {
	c.moderation = m
}

// IsConnected reports whether the upstream session is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one line on the upstream session. Lines sent while disconnected
// are dropped with a log entry; the line protocol has no retransmission.
func (c *Client) Send(line string) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Warn().Str("line", line).Msg("upstream send while disconnected, dropped")
		return
	}

	c.log.Debug().Str("line", line).Msg("upstream send")
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		c.log.Warn().Err(err).Msg("upstream write failed")
	}
}

// Run dials the lobby server and reads its lines until ctx is cancelled,
// redialing after a short delay when the session drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil {
			c.log.Warn().Err(err).Str("addr", c.addr).Msg("upstream session ended")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info().Str("addr", c.addr).Msg("upstream session established")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.handleLine(strings.TrimRight(scanner.Text(), "\r"))
	}
	return scanner.Err()
}

// handleLine routes one upstream line: tagged replies to their session,
// chat/presence events to the abuse engine and the online set.
func (c *Client) handleLine(line string) {
	if line == "" {
		return
	}

	if strings.HasPrefix(line, "#") {
		c.routeReply(line)
		return
	}

	fields := strings.SplitN(line, " ", 4)
	switch fields[0] {
	case "SAID", "SAIDEX":
		if len(fields) == 4 && c.moderation != nil {
			c.moderation.ProcessUserMessage(fields[1], fields[2], fields[3])
		}
	case "CLIENTSTATUS":
		if len(fields) >= 2 && c.moderation != nil {
			c.moderation.ProcessStatusChange(fields[1])
		}
	case "ADDUSER":
		if len(fields) >= 2 {
			c.presence.SetOnline(fields[1])
		}
	case "REMOVEUSER":
		if len(fields) >= 2 {
			c.presence.SetOffline(fields[1])
		}
	default:
		// not interesting to the gateway
	}
}

func (c *Client) routeReply(line string) {
	tag, rest, found := strings.Cut(line, " ")
	if !found {
		c.log.Warn().Str("line", line).Msg("tagged reply without payload")
		return
	}

	corrID, err := strconv.Atoi(tag[1:])
	if err != nil {
		c.log.Warn().Str("line", line).Msg("unparseable correlation tag")
		return
	}

	c.router.Deliver(corrID, rest)
}
