// Package server composes the Broker, the TCP Acceptor and the optional HTTP
// side (WebSocket gateway, health, peers, metrics) into one runnable relay.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Server is the whole relay process.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *Metrics
}

// New creates a Server with its own metrics registry.
func New(cfg Config, logger *slog.Logger) *Server {
	reg := NewRegistry()
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  NewMetrics(reg),
	}
}

// Run binds the configured addresses and serves until ctx is cancelled.
// A bind failure is returned before anything is started.
func (s *Server) Run(ctx context.Context) error {
	ln, err := Listen(s.cfg.Addr)
	if err != nil {
		return err
	}

	var httpLn net.Listener
	if s.cfg.HTTPAddr != "" {
		httpLn, err = Listen(s.cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	return s.Serve(ctx, ln, httpLn)
}

// Serve runs the relay on already bound listeners; httpLn may be nil.
//
// Shutdown order: stop accepting, close every open connection so Readers
// end, release the remaining event handles, then wait for the Broker to
// drain its queue and collect every Writer.
func (s *Server) Serve(ctx context.Context, ln net.Listener, httpLn net.Listener) error {
	broker, events := NewBroker(BrokerOptions{MailboxLimit: s.cfg.MailboxLimit}, s.metrics, s.logger.With("component", "broker"))
	go broker.Run()

	conns := newConnTracker()
	newHandler := func(component string) *connHandler {
		return &connHandler{
			events:  events.Clone(),
			conns:   conns,
			opts:    s.cfg.ReaderOptions(),
			metrics: s.metrics,
			logger:  s.logger.With("component", component),
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	acceptor := &Acceptor{
		listener: ln,
		handler:  newHandler("acceptor"),
		logger:   s.logger.With("component", "acceptor"),
	}
	g.Go(func() error {
		defer cancel()
		return acceptor.Serve(gctx)
	})

	if httpLn != nil {
		gateway := newGateway(newHandler("gateway"), newOriginPolicy(s.cfg.AllowedOrigins, s.logger), s.logger.With("component", "gateway"))
		httpServer := CreateServer(httpLn.Addr().String(), SetupRoutes(gateway, broker, s.registry, s.logger))

		g.Go(func() error {
			s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			defer gateway.release()
			return ShutdownServer(httpServer, s.cfg.ShutdownTimeout, s.logger)
		})
	}

	err := g.Wait()

	closed := conns.closeAll()
	s.logger.Info("Closed open connections", "count", closed)

	events.Release()
	<-broker.Done()
	s.logger.Info("Relay stopped")
	return err
}
