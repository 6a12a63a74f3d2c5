package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the server entrypoint used by `pairgate serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(parent context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
