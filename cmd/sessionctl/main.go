// sessionctl is an operator CLI over the session stack. It reads the same environment as the server,
// so it is most useful against a shared backend (redis, postgres or bolt).
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"session-control-plane/backend/internal/app"
	"session-control-plane/backend/internal/config"
	"session-control-plane/backend/internal/logging"
)

func main() {
	c := &cli{out: os.Stdout, build: buildFromEnv}
	if err := newRootCmd(c).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
	if c.stack != nil {
		_ = c.stack.Close(context.Background())
	}
}

func buildFromEnv(ctx context.Context) (*app.Stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// CLI logs go to stderr so stdout stays machine-readable
	logger := logging.NewWithWriter(cfg.LogLevel, cfg.Env, zerolog.ConsoleWriter{Out: os.Stderr})
	return app.Build(ctx, cfg, logger, app.Options{SkipExport: true})
}
