package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readHeaderTimeout is the timeout for reading the request headers of a
// scrape.
const readHeaderTimeout = 10 * time.Second

// ServerConfig is the configuration of a [Server].
type ServerConfig struct {
	// Logger is used to log the server lifecycle.  It must not be nil.
	Logger *slog.Logger

	// Gatherer is the source of the served metrics.  It must not be nil.
	Gatherer prometheus.Gatherer

	// Addr is the TCP address to listen on.
	Addr string
}

// Server serves the metrics at "/metrics" over HTTP.
type Server struct {
	logger *slog.Logger
	http   *http.Server
	addr   net.Addr
}

// NewServer returns a new *Server.  c must not be nil.
func NewServer(c *ServerConfig) (s *Server) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{}))

	return &Server{
		logger: c.Logger,
		http: &http.Server{
			Addr:              c.Addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// type check
var _ service.Interface = (*Server)(nil)

// Start implements the [service.Interface] interface for *Server.  It returns
// once the listener is open.
func (s *Server) Start(ctx context.Context) (err error) {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", s.http.Addr, err)
	}

	s.addr = l.Addr()
	s.logger.InfoContext(ctx, "listening", "addr", s.addr)

	go s.serve(context.WithoutCancel(ctx), l)

	return nil
}

func (s *Server) serve(ctx context.Context, l net.Listener) {
	defer slogutil.RecoverAndLog(ctx, s.logger)

	err := s.http.Serve(l)
	if !errors.Is(err, http.ErrServerClosed) {
		s.logger.ErrorContext(ctx, "serving metrics", slogutil.KeyError, err)
	}
}

// Shutdown implements the [service.Interface] interface for *Server.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	err = s.http.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}

	return nil
}

// LocalAddr returns the address the server listens on, or nil before
// [Server.Start].
func (s *Server) LocalAddr() (addr net.Addr) {
	return s.addr
}
