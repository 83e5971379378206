// EventDesk Assistant is the AI-assistant invocation service of the event
// platform.
//
// It serves the usecase-agnostic assistant endpoints:
//   - template resolution and variable rendering
//   - PII masking around every provider call
//   - streaming (SSE) and non-streaming completions
//   - permission-gated tool calls
//   - per-user rate limiting and conversation history
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/eventdesk/assistant/internal/auth"
	"github.com/eventdesk/assistant/internal/config"
	"github.com/eventdesk/assistant/pkg/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile  string
		port     int
		seedFile string
		devToken string
	)
	flagSet := pflag.NewFlagSet("assistant", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "load environment variables from this file if it exists")
	flagSet.IntVar(&port, "port", 0, "listen port (overrides ASSISTANT_PORT)")
	flagSet.StringVar(&seedFile, "seed", "", "YAML file with system templates and tool endpoints (overrides ASSISTANT_SEED_FILE)")
	flagSet.StringVar(&devToken, "dev-token", "", "print a JWT for user:tenant:role signed with JWT_SECRET and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	config.LoadEnvFile(envFile)
	cfg := config.Load()
	if port > 0 {
		cfg.Port = port
	}
	if seedFile != "" {
		cfg.SeedFile = seedFile
	}
	setupLogging(cfg.Log)

	if devToken != "" {
		return printDevToken(cfg.Auth.JWTSecret, devToken)
	}

	log.Info().Str("version", cfg.Version).Msg("🎫 EventDesk assistant starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// AI_STREAM_TIMEOUT bounds a whole turn; persisting may take 10s more.
		WriteTimeout: cfg.AI.StreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("🚀 Assistant is ready")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if cerr := srv.Close(shutdownCtx); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to release resources")
		}
		return err
	})
	return g.Wait()
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func printDevToken(secret, spec string) error {
	if secret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	parts := strings.SplitN(spec, ":", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	token, err := auth.NewJWTProvider(secret).GenerateToken(parts[0], parts[1], parts[2], 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
