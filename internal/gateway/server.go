package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ServerConfig carries the listener-level knobs the gateway server needs.
type ServerConfig struct {
	ListenAddr           string
	ReadTimeout          time.Duration
	AllowedQueryCommands []string
	// ConnectRate and ConnectBurst throttle new connections per source IP.
	ConnectRate  float64
	ConnectBurst int
}

// Server accepts downstream connections and spawns one session goroutine per
// connection.
type Server struct {
	cfg      ServerConfig
	upstream Upstream
	registry *Registry
	log      *zerolog.Logger

	allowedQuery map[string]struct{}

	// limiters throttles connects per source IP. The gateway serves a small
	// fixed set of trusted local applications, so the map is not evicted.
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	ln net.Listener
}

// NewServer builds a gateway server; call Listen then Serve.
func NewServer(cfg ServerConfig, upstream Upstream, registry *Registry, logger *zerolog.Logger) *Server {
	allowed := make(map[string]struct{}, len(cfg.AllowedQueryCommands))
	for _, c := range cfg.AllowedQueryCommands {
		allowed[c] = struct{}{}
	}
	return &Server{
		cfg:          cfg,
		upstream:     upstream,
		registry:     registry,
		log:          logger,
		allowedQuery: allowed,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Listen binds the downstream TCP listener.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.cfg.ListenAddr, err)
	}
	srv.ln = ln
	srv.log.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	return nil
}

// Serve runs the accept loop until ctx is cancelled or the listener fails.
func (srv *Server) Serve(ctx context.Context) error {
	if srv.ln == nil {
		if err := srv.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		srv.ln.Close()
	}()

	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				srv.registry.CloseAll()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()

	if !srv.allowConnect(peer) {
		srv.log.Warn().Str("peer", peer).Msg("connect throttled")
		conn.Close()
		return
	}

	sess, err := NewSession(conn, srv.upstream, srv.registry, srv.allowedQuery, srv.cfg.ReadTimeout, srv.log)
	if err != nil {
		srv.log.Warn().Err(err).Str("peer", peer).Msg("session setup failed")
		return
	}
	go sess.Run()
}

func (srv *Server) allowConnect(peer string) bool {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}

	srv.limitMu.Lock()
	lim, ok := srv.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(srv.cfg.ConnectRate), srv.cfg.ConnectBurst)
		srv.limiters[host] = lim
	}
	srv.limitMu.Unlock()

	return lim.Allow()
}
