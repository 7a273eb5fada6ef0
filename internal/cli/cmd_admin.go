package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/koltyakov/guestpool/internal/config"
	ilog "github.com/koltyakov/guestpool/internal/log"
	"github.com/koltyakov/guestpool/internal/pool"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
)

// openAdminHost parses the shared configuration for a one-shot command.
// Logs go to stderr so stdout carries only command output.
func openAdminHost(name string, args []string) (*poolHost, int) {
	loadEnvFromDotEnv(".env")

	cfg, err := config.Parse(name, args)
	if err != nil {
		fmt.Fprintln(stderr, name+" config error:", err)
		return nil, 2
	}
	host, err := openPoolHost(cfg, ilog.NewWithWriter(stderr, cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(stderr, name+" error:", err)
		return nil, 1
	}
	return host, 0
}

func runInit(ctx context.Context, args []string) int {
	host, code := openAdminHost("init", args)
	if code != 0 {
		return code
	}
	defer func() { _ = host.Close() }()

	if err := host.slottedOnly(ctx); err != nil {
		fmt.Fprintln(stderr, "init error:", err)
		return 1
	}
	report, err := host.initializer().EnsurePool(ctx, host.cfg.PoolSize)
	if err != nil {
		fmt.Fprintln(stderr, "init error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "size:", report.Size)
	fmt.Fprintln(stdout, "fast_path:", report.FastPath)
	fmt.Fprintln(stdout, "created:", report.CreatedIdentities)
	fmt.Fprintln(stdout, "provisioned:", report.Provisioned)
	fmt.Fprintln(stdout, "mirrored:", report.Mirrored)
	if !report.Complete() {
		fmt.Fprintln(stdout, "failed_slots:", report.FailedSlots)
		return 1
	}
	return 0
}

func runSweep(ctx context.Context, args []string) int {
	host, code := openAdminHost("sweep", args)
	if code != 0 {
		return code
	}
	defer func() { _ = host.Close() }()

	if err := host.slottedOnly(ctx); err != nil {
		fmt.Fprintln(stderr, "sweep error:", err)
		return 1
	}
	freed, err := pool.NewSweeper(host.store, host.ws, host.opts).Run(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "sweep error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "expired:", freed)
	return 0
}

func runStatus(ctx context.Context, args []string) int {
	host, code := openAdminHost("status", args)
	if code != 0 {
		return code
	}
	defer func() { _ = host.Close() }()

	strategy, err := host.strategy(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "status error:", err)
		return 1
	}
	snap, err := host.snapshot(ctx, strategy)
	if err != nil {
		fmt.Fprintln(stderr, "status error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "mode:", snap.Mode)
	fmt.Fprintln(stdout, "total:", snap.Status.Total)
	fmt.Fprintln(stdout, "allocated:", snap.Status.Allocated)
	fmt.Fprintln(stdout, "free:", snap.Status.Free)
	fmt.Fprintln(stdout, "expired:", snap.Status.Expired)
	if len(snap.Leases) == 0 {
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tLEASED\tEXPIRES")
	for _, l := range snap.Leases {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			pool.GuestUsername(l.Slot), humanize.Time(l.CreatedAt), humanize.Time(l.ExpiresAt))
	}
	_ = tw.Flush()
	return 0
}

func runHistory(ctx context.Context, args []string) int {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(stderr, "usage: guestpool history <slot> [flags]")
		return 2
	}
	slot, err := strconv.Atoi(args[0])
	if err != nil || slot < 1 {
		fmt.Fprintln(stderr, "history: slot must be a positive number, got", args[0])
		return 2
	}
	host, code := openAdminHost("history", args[1:])
	if code != 0 {
		return code
	}
	defer func() { _ = host.Close() }()

	if err := host.slottedOnly(ctx); err != nil {
		fmt.Fprintln(stderr, "history error:", err)
		return 1
	}
	rows, err := host.store.AllocationHistory(ctx, slot)
	if err != nil {
		fmt.Fprintln(stderr, "history error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "slot:", pool.GuestUsername(slot))
	fmt.Fprintln(stdout, "rows:", len(rows))
	if len(rows) == 0 {
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND	STARTED	EXPIRES	ENDED	REASON")
	for _, a := range rows {
		kind := "visitor"
		if a.IsRestockHold() {
			kind = "restock"
		}
		ended, reason := "-", "active"
		if a.EndedAt != nil {
			ended = humanize.Time(*a.EndedAt)
		}
		if !a.IsActive {
			reason = a.EndReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			kind, humanize.Time(a.CreatedAt), humanize.Time(a.ExpiresAt), ended, reason)
	}
	_ = tw.Flush()
	return 0
}

func runMigrate(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.Parse("migrate", args)
	if err != nil {
		fmt.Fprintln(stderr, "migrate config error:", err)
		return 2
	}
	opts := storeOptions(cfg)
	opts.SkipMigrations = true
	store, err := sqlite.OpenWithOptions(cfg.DBPath, opts)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	started := time.Now()
	if err := store.MigrateTo(ctx, cfg.MigrateTo); err != nil {
		fmt.Fprintln(stderr, "migrate error:", err)
		return 1
	}
	applied, err := store.AppliedMigrations(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "migrate error:", err)
		return 1
	}
	for _, name := range applied {
		fmt.Fprintln(stdout, "applied:", name)
	}
	ready, err := store.SlotRegistryReady(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "migrate error:", err)
		return 1
	}
	registry := "missing"
	if ready {
		registry = "installed"
	}
	fmt.Fprintln(stdout, "slot_registry:", registry)
	fmt.Fprintln(stdout, "took:", time.Since(started).Round(time.Millisecond))
	return 0
}
