// Package server composes the assistant service from its configuration.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	defer srv.Close(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eventdesk/assistant/internal/api"
	"github.com/eventdesk/assistant/internal/api/handlers"
	"github.com/eventdesk/assistant/internal/api/middleware"
	"github.com/eventdesk/assistant/internal/assistant"
	"github.com/eventdesk/assistant/internal/auth"
	"github.com/eventdesk/assistant/internal/config"
	"github.com/eventdesk/assistant/internal/ratelimit"
	"github.com/eventdesk/assistant/internal/retention"
	modelrouter "github.com/eventdesk/assistant/internal/router"
	"github.com/eventdesk/assistant/internal/seed"
	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/internal/telemetry"
	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/contracts"
)

// Server holds the initialized assistant service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store   store.Store
	Router  *modelrouter.ModelRouter
	Gateway *tools.Gateway
	Config  *config.Config

	closers []func(context.Context) error
}

// Option customises the server before the handler is built.
type Option func(*options)

type options struct {
	contexts contracts.ContextResolver
	dir      contracts.TenantDirectory
}

// WithContextResolver plugs in entity lookups for request contexts.
func WithContextResolver(r contracts.ContextResolver) Option {
	return func(o *options) { o.contexts = r }
}

// WithTenantDirectory replaces the static default-tenant directory.
func WithTenantDirectory(d contracts.TenantDirectory) Option {
	return func(o *options) { o.dir = d }
}

// New initializes all components and returns a ready Server.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	srv := &Server{Config: cfg}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.closers = append(srv.closers, shutdown)

	// Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			srv.Close(ctx)
			return nil, fmt.Errorf("init store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			srv.Close(ctx)
			return nil, err
		}
		srv.Store = pg
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		srv.Store = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}
	srv.closers = append(srv.closers, func(context.Context) error { return srv.Store.Close() })

	// Retention
	if cfg.Retention.Days > 0 {
		var jopts []retention.Option
		if cfg.Retention.ArchiveDir != "" {
			jopts = append(jopts, retention.WithArchiver(
				retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)))
		}
		janitor := retention.NewJanitor(srv.Store,
			time.Duration(cfg.Retention.Days)*24*time.Hour, cfg.Retention.Interval, jopts...)
		jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			janitor.Start(jctx)
		}()
		srv.closers = append(srv.closers, func(context.Context) error {
			cancel()
			<-done
			return nil
		})
	}

	// Rate limiter
	rlCfg := ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity,
		Window:   cfg.RateLimit.Window,
		Block:    cfg.RateLimit.Block,
	}
	var limiter ratelimit.Limiter
	if cfg.Redis.URL != "" {
		rl, err := ratelimit.NewRedisLimiterFromURL(cfg.Redis.URL, rlCfg)
		if err != nil {
			srv.Close(ctx)
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		srv.closers = append(srv.closers, func(context.Context) error { return rl.Close() })
		limiter = rl
		log.Info().Msg("✅ Redis rate limiter initialized")
	} else {
		limiter = ratelimit.NewMemoryLimiter(rlCfg)
		log.Info().Msg("✅ In-memory rate limiter initialized")
	}

	// Model router
	srv.Router = modelrouter.NewModelRouter(
		modelrouter.WithStreamTimeout(cfg.AI.StreamTimeout),
		modelrouter.WithBreaker(uint32(cfg.AI.BreakerFailures), cfg.AI.BreakerCooldown),
	)
	srv.Router.RegisterBuiltinDrivers(modelrouter.ProviderEndpoints{
		OpenAIBaseURL:    cfg.AI.OpenAIBaseURL,
		OpenAIAPIKey:     cfg.AI.OpenAIAPIKey,
		AnthropicBaseURL: cfg.AI.AnthropicBaseURL,
		AnthropicAPIKey:  cfg.AI.AnthropicAPIKey,
		OllamaBaseURL:    cfg.AI.OllamaBaseURL,
	}, nil)
	log.Info().Strs("providers", srv.Router.ListDrivers()).Msg("✅ Model router initialized")

	// Tools + seed
	srv.Gateway = tools.NewGateway(nil)
	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err == nil {
			err = seed.Apply(ctx, f, srv.Store, srv.Gateway)
		}
		if err != nil {
			srv.Close(ctx)
			return nil, err
		}
	}

	// Auth
	keys, err := auth.ParseAPIKeys(cfg.Auth.APIKeys)
	if err != nil {
		srv.Close(ctx)
		return nil, fmt.Errorf("ASSISTANT_API_KEYS: %w", err)
	}
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewJWTProvider(cfg.Auth.JWTSecret))
	chain.RegisterProvider(auth.NewAPIKeyProvider(keys))

	dir := o.dir
	if dir == nil {
		dir = auth.NewStaticDirectory(cfg.Auth.Tenants)
	}
	sessions := auth.NewResolver(dir)

	orch := assistant.New(assistant.Deps{
		Sessions:      sessions,
		Templates:     srv.Store,
		Conversations: srv.Store,
		Limiter:       limiter,
		Router:        srv.Router,
		Gateway:       srv.Gateway,
		Contexts:      o.contexts,
	},
		assistant.WithMaxToolRounds(cfg.AI.MaxToolRounds),
		assistant.WithStreamTimeout(cfg.AI.StreamTimeout),
	)

	h := handlers.New(orch, sessions, srv.Store, srv.Router)
	srv.Handler = api.NewRouter(cfg, h, middleware.NewAuthMiddleware(chain, cfg.Auth.RequireAuth))
	return srv, nil
}

// Close releases resources in reverse order of acquisition.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
