// Package server constructs and starts the nexushub HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/channels"
	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/identity"
	"github.com/Tyrowin/nexushub/internal/moderation"
	"github.com/Tyrowin/nexushub/internal/ratelimit"
	"github.com/Tyrowin/nexushub/internal/stats"
)

const (
	throttleIdle     = 10 * time.Minute
	limiterPruneTick = time.Minute
	hubShutdownWait  = 10 * time.Second
)

// Deps are the stores a Server serves. Registry, Chat and Channels are
// required; Filter defaults to moderation.Nop and HostSampler to a gopsutil
// backed sampler.
type Deps struct {
	Registry    *identity.Registry
	Chat        *chatlog.Store
	Channels    *channels.Store
	Filter      moderation.Filter
	HostSampler stats.Sampler
}

// Server ties the hub, the dispatcher and the HTTP surface together.
type Server struct {
	cfg        Config
	hub        *Hub
	dispatcher *Dispatcher
	stats      *stats.Broadcaster
	pool       *workerPool
	limiter    *ratelimit.Limiter
	throttle   *connectThrottle
	origins    *originPolicy
	upgrader   websocket.Upgrader
	registry   *identity.Registry
	chat       *chatlog.Store
	channels   *channels.Store
	filter     moderation.Filter
	httpServer *http.Server
	logger     zerolog.Logger
	started    time.Time
	stopPrune  chan struct{}
}

// NewServer wires the stores into a hub, a dispatcher and the stats
// broadcaster. Call Start before serving requests.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	if deps.Filter == nil {
		deps.Filter = moderation.Nop
	}
	if deps.HostSampler == nil {
		deps.HostSampler = stats.NewHostSampler()
	}

	s := &Server{
		cfg:       cfg,
		hub:       NewHub(logger),
		pool:      newWorkerPool(cfg.DispatchWorkers),
		limiter:   ratelimit.New(cfg.RateLimit.Burst, cfg.RateLimit.Window),
		throttle:  newConnectThrottle(cfg.ConnectLimit, throttleIdle),
		origins:   newOriginPolicy(cfg.AllowedOrigins, logger),
		registry:  deps.Registry,
		chat:      deps.Chat,
		channels:  deps.Channels,
		filter:    deps.Filter,
		logger:    logger,
		started:   time.Now(),
		stopPrune: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}

	s.stats = stats.New(s.hub, cfg.StatsInterval, logger)
	s.stats.Register(NamespaceServerStats, deps.HostSampler)
	s.stats.Register(NamespaceHubStats, stats.NewHubSampler(stats.HubCounters{
		Addresses:   s.registry.AddressCount,
		Usernames:   s.registry.UsernameCount,
		Online:      func() int { return s.hub.OnlineAddresses(NamespaceChat) },
		Connections: s.hub.ConnectionCount,
		Messages:    s.chat.LastID,
		Channels:    s.channels.Count,
	}, s.started))

	s.dispatcher = newDispatcher(&Dispatcher{
		hub:       s.hub,
		registry:  s.registry,
		chat:      s.chat,
		channels:  s.channels,
		stats:     s.stats,
		filter:    s.filter,
		limiter:   s.limiter,
		pool:      s.pool,
		maxLength: cfg.ChatMaxLength,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	})
	s.chat.OnChange(s.dispatcher.publishChatChange)
	s.channels.OnChange(s.dispatcher.publishChannelChange)

	s.httpServer = CreateServer(cfg.Port, s.SetupRoutes())
	return s
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

// Start runs the hub loop and the limiter janitor. It must be called once
// before the server accepts connections.
func (s *Server) Start() {
	go s.hub.Run()
	go s.pruneLimiter()
	s.logger.Info().Msg("hub started and ready to manage WebSocket connections")
}

func (s *Server) pruneLimiter() {
	ticker := time.NewTicker(limiterPruneTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.limiter.Prune(); n > 0 {
				s.logger.Debug().Int("keys", n).Msg("pruned idle rate limit keys")
			}
		case <-s.stopPrune:
			return
		}
	}
}

// ListenAndServe starts the HTTP server and blocks until it stops. A clean
// shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every client, stops the stats
// tasks and flushes the chat log.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
		errs = append(errs, err)
	}

	wait := hubShutdownWait
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			wait = d
		}
	}
	if err := s.hub.Shutdown(wait); err != nil {
		errs = append(errs, err)
	}

	s.stats.Close()
	s.pool.shutdown()
	s.throttle.stop()
	close(s.stopPrune)

	if err := s.chat.FlushAll(); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush chat log")
		errs = append(errs, err)
	}

	s.logger.Info().Msg("server shutdown completed")
	return errors.Join(errs...)
}
