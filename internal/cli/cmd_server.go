package cli

import (
	"context"
	"fmt"

	"github.com/koltyakov/guestpool/internal/config"
	"github.com/koltyakov/guestpool/internal/debughttp"
	ilog "github.com/koltyakov/guestpool/internal/log"
	"github.com/koltyakov/guestpool/internal/pool"
	"github.com/koltyakov/guestpool/internal/server"
)

func runServer(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	host, err := openPoolHost(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "startup error:", err)
		return 1
	}
	defer func() { _ = host.Close() }()

	strategy, err := host.strategy(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "startup error:", err)
		return 1
	}

	p := server.Pool{Strategy: strategy}
	if strategy.Mode() == pool.ModeSlotted {
		p.Initializer = host.initializer()
		p.Sweeper = pool.NewSweeper(host.store, host.ws, host.opts)
		report, err := p.Initializer.EnsurePool(ctx, cfg.PoolSize)
		if err != nil {
			fmt.Fprintln(stderr, "pool init error:", err)
			return 1
		}
		if !report.Complete() {
			logger.Warn("serving with a partial guest pool", "failed_slots", report.FailedSlots)
		}
	}

	snapshot := func(ctx context.Context) (any, error) {
		return host.snapshot(ctx, strategy)
	}
	if err := debughttp.Start(ctx, cfg.PprofListen, logger, snapshot); err != nil {
		fmt.Fprintln(stderr, "debug listener error:", err)
		return 1
	}

	if err := server.New(cfg, host.store, p, logger).Run(ctx); err != nil {
		fmt.Fprintln(stderr, "server error:", err)
		return 1
	}
	return 0
}
