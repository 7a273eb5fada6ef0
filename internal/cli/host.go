package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/koltyakov/guestpool/internal/config"
	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/mirror"
	"github.com/koltyakov/guestpool/internal/pool"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

// poolHost bundles the collaborators every pool-facing command needs.
type poolHost struct {
	cfg    config.ServerConfig
	store  *sqlite.Store
	ws     *workspace.Manager
	mirror mirror.Client
	opts   pool.Options
}

func openPoolHost(cfg config.ServerConfig, logger *slog.Logger) (*poolHost, error) {
	mc, err := mirror.New(mirror.Options{
		BaseURL: cfg.MirrorURL,
		Token:   cfg.MirrorToken,
		Timeout: cfg.MirrorTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("identity mirror: %w", err)
	}
	store, err := sqlite.OpenWithOptions(cfg.DBPath, storeOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	return &poolHost{
		cfg:    cfg,
		store:  store,
		ws:     workspace.NewManager(cfg.WorkspacesDir, workspace.DirTemplate{Source: cfg.TemplateDir}),
		mirror: mc,
		opts: pool.Options{
			Size:          cfg.PoolSize,
			LeaseDuration: cfg.LeaseDuration,
			MirrorTimeout: cfg.MirrorTimeout,
			Logger:        logger,
		},
	}, nil
}

func storeOptions(cfg config.ServerConfig) sqlite.OpenOptions {
	return sqlite.OpenOptions{
		MaxOpenConns:   cfg.DBMaxOpenConns,
		MaxIdleConns:   cfg.DBMaxIdleConns,
		SkipMigrations: !cfg.AutoMigrate,
		MigrateTo:      cfg.MigrateTo,
	}
}

func (h *poolHost) Close() error {
	return h.store.Close()
}

func (h *poolHost) strategy(ctx context.Context) (pool.Strategy, error) {
	return pool.Select(ctx, h.store, h.ws, h.opts)
}

func (h *poolHost) initializer() *pool.Initializer {
	return pool.NewInitializer(h.store, h.ws, h.mirror, h.opts)
}

// slottedOnly fails for commands that need the slot registry.
func (h *poolHost) slottedOnly(ctx context.Context) error {
	ready, err := h.store.SlotRegistryReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return domain.ErrRegistryNotReady
	}
	return nil
}

type poolSnapshot struct {
	Mode   string            `json:"mode"`
	Status domain.PoolStatus `json:"status"`
	Leases []leaseSnapshot   `json:"leases,omitempty"`
}

type leaseSnapshot struct {
	Slot      int       `json:"slot"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// snapshot reports counts plus, in slotted mode, every active lease. Lease
// tokens and session keys are left out.
func (h *poolHost) snapshot(ctx context.Context, strategy pool.Strategy) (poolSnapshot, error) {
	status, err := strategy.Status(ctx)
	if err != nil {
		return poolSnapshot{}, err
	}
	out := poolSnapshot{Mode: strategy.Mode(), Status: status}
	if strategy.Mode() != pool.ModeSlotted {
		return out, nil
	}
	leases, err := h.store.ActiveLeases(ctx)
	if err != nil {
		return poolSnapshot{}, err
	}
	for _, l := range leases {
		out.Leases = append(out.Leases, leaseSnapshot{
			Slot:      l.SlotNumber,
			ExpiresAt: l.ExpiresAt.UTC(),
			CreatedAt: l.CreatedAt.UTC(),
		})
	}
	return out, nil
}
