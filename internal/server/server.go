package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cetus-dns/cetus/internal/config"
)

const (
	maxUDPSize = 65535

	// How long in-flight requests get to finish during shutdown.
	drainTimeout = 5 * time.Second

	defaultConcurrency = 500
)

// Server binds the configured UDP sockets and TCP listeners and serves DNS on
// all of them with a shared handler.
type Server struct {
	handler dns.Handler
	log     *zap.Logger

	servers []*dns.Server
}

// limitingHandler caps the number of requests handled at once.
type limitingHandler struct {
	inner dns.Handler
	sem   chan struct{}
}

func (h *limitingHandler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	h.sem <- struct{}{}
	defer func() { <-h.sem }()
	h.inner.ServeDNS(w, req)
}

// New binds every configured address. Binding eagerly means a bad config fails
// at startup instead of at first query.
func New(cfg *config.Config, handler dns.Handler, log *zap.Logger) (*Server, error) {
	s := &Server{
		handler: &limitingHandler{inner: handler, sem: make(chan struct{}, defaultConcurrency)},
		log:     log,
	}

	for _, addr := range cfg.UDPSockets {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("bind udp %s: %w", addr, err)
		}
		s.servers = append(s.servers, &dns.Server{
			PacketConn: conn,
			Handler:    s.handler,
			UDPSize:    maxUDPSize,
		})
		log.Info("listening", zap.String("proto", "udp"), zap.String("addr", addr))
	}

	for _, listenerCfg := range cfg.TCPListeners {
		listener, err := net.Listen("tcp", listenerCfg.Address)
		if err != nil {
			return nil, fmt.Errorf("bind tcp %s: %w", listenerCfg.Address, err)
		}
		idle := time.Duration(listenerCfg.TimeoutMillis) * time.Millisecond
		s.servers = append(s.servers, &dns.Server{
			Listener:    listener,
			Handler:     s.handler,
			IdleTimeout: func() time.Duration { return idle },
		})
		log.Info("listening",
			zap.String("proto", "tcp"),
			zap.String("addr", listenerCfg.Address),
			zap.Duration("idle_timeout", idle))
	}

	return s, nil
}

// Addrs returns the bound addresses, in configuration order (UDP sockets
// first). Useful when binding to port 0.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.servers))
	for _, srv := range s.servers {
		if srv.PacketConn != nil {
			addrs = append(addrs, srv.PacketConn.LocalAddr())
		} else if srv.Listener != nil {
			addrs = append(addrs, srv.Listener.Addr())
		}
	}
	return addrs
}

// Run serves on all listeners until ctx is cancelled, then drains them.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range s.servers {
		srv := srv
		g.Go(func() error {
			return srv.ActivateAndServe()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("draining dns listeners")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		for _, srv := range s.servers {
			if err := srv.ShutdownContext(shutdownCtx); err != nil {
				s.log.Warn("listener shutdown", zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}
