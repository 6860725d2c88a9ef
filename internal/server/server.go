package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"batchgate/internal/config"
	"batchgate/internal/proxy"
	"batchgate/internal/ws"
)

// Server represents the main server
type Server struct {
	cfg       *config.Config
	router    *proxy.Router
	rpcServer *http.Server
	wsServer  *http.Server
	rpcAddr   net.Addr
	wsAddr    net.Addr
	stopStats chan struct{}
	statsDone chan struct{}
	logger    zerolog.Logger
}

// New creates a new Server with a service chain per configured group
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		router: proxy.NewRouter(),
		logger: logger,
	}

	for _, groupCfg := range cfg.Groups {
		if err := s.AddGroup(groupCfg); err != nil {
			_ = s.router.CloseAll(context.Background())
			return nil, err
		}
	}

	if cfg.IsCacheEnabled() {
		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("ttl", cfg.Cache.TTL).
			Strs("disabledMethods", cfg.Cache.DisabledMethods).
			Msg("cache enabled")
	} else {
		logger.Info().Msg("cache disabled")
	}

	return s, nil
}

// AddGroup builds and registers the chain for one upstream group
func (s *Server) AddGroup(groupCfg config.GroupConfig) error {
	group, err := proxy.NewGroup(groupCfg, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("group %s: %w", groupCfg.Name, err)
	}
	s.router.AddGroup(group)

	var mains []string
	for _, u := range groupCfg.MainUpstreams() {
		mains = append(mains, u.Name)
	}
	_, hasFallback := groupCfg.FallbackUpstream()
	s.logger.Info().
		Str("group", groupCfg.Name).
		Strs("mains", mains).
		Bool("fallback", hasFallback).
		Int("batchMaxSize", s.cfg.Batch.MaxSize).
		Int("batchMaxWait", s.cfg.Batch.MaxWait).
		Msg("added group")
	return nil
}

// Start binds both listeners and serves in the background
func (s *Server) Start() error {
	rpcAddr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.RPCPort))
	wsAddr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.WSPort))

	rpcLn, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", rpcAddr, err)
	}
	wsLn, err := net.Listen("tcp", wsAddr)
	if err != nil {
		rpcLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", wsAddr, err)
	}

	s.rpcServer = &http.Server{
		Handler:      proxy.NewHandler(s.router, s.cfg, s.logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.wsServer = &http.Server{
		Handler:     ws.NewHandler(s.router, s.cfg, s.logger),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.rpcAddr, s.wsAddr = rpcLn.Addr(), wsLn.Addr()
	s.serve("RPC", s.rpcServer, rpcLn)
	s.serve("WebSocket", s.wsServer, wsLn)

	for _, name := range s.router.GetGroupNames() {
		s.logger.Info().
			Str("group", name).
			Str("rpc", fmt.Sprintf("http://%s/%s", rpcLn.Addr(), name)).
			Str("ws", fmt.Sprintf("ws://%s/%s", wsLn.Addr(), name)).
			Msg("endpoint available")
	}

	if interval := s.cfg.GetStatsLogIntervalDuration(); interval > 0 {
		s.stopStats = make(chan struct{})
		s.statsDone = make(chan struct{})
		go s.statsLoop(interval)
	}

	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	go func() {
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Msgf("starting %s server", name)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msgf("%s server error", name)
		}
	}()
}

// statsLoop periodically logs per-group counters
func (s *Server) statsLoop(interval time.Duration) {
	defer close(s.statsDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopStats:
			return
		case <-ticker.C:
			s.router.LogStats()
		}
	}
}

// Stop stops accepting requests, then flushes every batch worker.
// Requests still queued when ctx expires fail.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	if s.stopStats != nil {
		close(s.stopStats)
		<-s.statsDone
	}

	var rpcErr, wsErr error
	if s.rpcServer != nil {
		rpcErr = s.rpcServer.Shutdown(ctx)
	}
	if s.wsServer != nil {
		wsErr = s.wsServer.Shutdown(ctx)
	}

	groupErr := s.router.CloseAll(ctx)
	s.router.LogStats()

	if rpcErr != nil {
		return fmt.Errorf("RPC server shutdown error: %w", rpcErr)
	}
	if wsErr != nil {
		return fmt.Errorf("WebSocket server shutdown error: %w", wsErr)
	}
	if groupErr != nil {
		return fmt.Errorf("group shutdown error: %w", groupErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// RPCAddr returns the bound HTTP address, nil before Start
func (s *Server) RPCAddr() net.Addr {
	return s.rpcAddr
}

// WSAddr returns the bound WebSocket address, nil before Start
func (s *Server) WSAddr() net.Addr {
	return s.wsAddr
}

// GetRouter returns the router
func (s *Server) GetRouter() *proxy.Router {
	return s.router
}
