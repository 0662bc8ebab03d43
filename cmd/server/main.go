// server runs the session core: it builds the configured stack, registers the composition and agent
// layers for discovery, and serves their health over gRPC until SIGINT or SIGTERM.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"session-control-plane/backend/internal/app"
	"session-control-plane/backend/internal/config"
	healthhandler "session-control-plane/backend/internal/health/handler"
	"session-control-plane/backend/internal/logging"
	"session-control-plane/backend/internal/registry"
	"session-control-plane/backend/internal/server"
	"session-control-plane/backend/internal/server/interceptors"
	"session-control-plane/backend/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "").Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.Build(ctx, cfg, logger, app.Options{AuditIP: interceptors.ClientIP})
	if err != nil {
		logger.Fatal().Err(err).Msg("build session stack")
	}

	health := healthhandler.NewServer(logger)
	reg := registry.New(health, logger)
	if err := reg.Register(registry.CompositionName, st.Composition); err != nil {
		logger.Fatal().Err(err).Msg("register composition")
	}
	if err := reg.Register(registry.AgentName, st.Agents); err != nil {
		logger.Fatal().Err(err).Msg("register agent")
	}
	go reg.Run(ctx, cfg.HealthPollInterval)

	if st.Memory != nil && cfg.MemorySweepInterval > 0 {
		go sweep(ctx, st, cfg.MemorySweepInterval)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("listen")
	}
	s := server.NewServer(server.Deps{
		Tokens:   st.Sessions,
		Activity: st.Sessions,
		Audit:    st.Audit,
		Emitter:  st.Emitter,
		Health:   health,
		Logger:   logger,
	})

	go func() {
		logger.Info().Str("addr", cfg.GRPCAddr).Strs("registered", reg.Names()).Msg("gRPC server listening")
		if err := s.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("serve")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down gRPC server...")
	health.Shutdown()
	s.GracefulStop()

	// let async telemetry and audit writes drain before the exporters go away
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := st.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("gRPC server stopped")
}

func sweep(ctx context.Context, st *app.Stack, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := st.Memory.PurgeExpired(now.UTC()); n > 0 {
				st.Logger.Debug().Int("purged", n).Msg("expired sessions swept")
			}
		}
	}
}
