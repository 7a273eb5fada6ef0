package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koltyakov/guestpool/internal/auth"
	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/mirror"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

// Initializer creates the pooled guests and keeps their workspaces stocked.
// EnsurePool is idempotent and cheap once the pool is complete, so hosts call
// it on every start and again on a restock interval.
type Initializer struct {
	store         *sqlite.Store
	ws            *workspace.Manager
	restocker     *restocker
	mirror        mirror.Client
	mirrorTimeout time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// Report summarizes one EnsurePool pass.
type Report struct {
	Size              int
	FastPath          bool
	CreatedIdentities int
	Provisioned       int
	FailedSlots       []int
	Mirrored          int

	// BusySlots were not usable but are held by a live lease or another
	// restock. They are left alone and rebuilt once the lease ends.
	BusySlots []int
}

// Complete reports whether no slot failed to provision. Busy slots are in
// use and do not count against it.
func (r Report) Complete() bool { return len(r.FailedSlots) == 0 }

// NewInitializer returns an Initializer. A nil mirror client disables
// mirroring.
func NewInitializer(store *sqlite.Store, ws *workspace.Manager, mc mirror.Client, opts Options) *Initializer {
	opts = opts.withDefaults()
	if mc == nil {
		mc = mirror.Noop{}
	}
	return &Initializer{
		store:         store,
		ws:            ws,
		restocker:     newRestocker(store, ws, opts),
		mirror:        mc,
		mirrorTimeout: opts.MirrorTimeout,
		now:           opts.Now,
		log:           opts.Logger,
	}
}

// EnsurePool makes sure slots 1..size each have a guest identity with a
// provisioned workspace. Slots that fail to provision are logged, reported,
// and left unclaimable. The returned error is set only for store failures.
func (i *Initializer) EnsurePool(ctx context.Context, size int) (Report, error) {
	if size < 1 {
		return Report{}, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	report := Report{Size: size}

	slots, ready, err := i.fastPathReady(ctx, size)
	if err != nil {
		return report, err
	}
	if ready {
		report.FastPath = true
		report.Mirrored = i.mirrorGuests(ctx, slots)
		return report, nil
	}

	bySlot := make(map[int]sqlite.GuestSlot, len(slots))
	for _, gs := range slots {
		bySlot[gs.Identity.SlotNumber] = gs
	}
	guests := make([]sqlite.GuestSlot, 0, size)
	for slot := 1; slot <= size; slot++ {
		gs, ok := bySlot[slot]
		if !ok {
			ident, created, err := i.ensureGuest(ctx, slot)
			if errors.Is(err, domain.ErrUsernameTaken) {
				i.log.Error("guest username already taken", "slot", slot, "err", err)
				report.FailedSlots = append(report.FailedSlots, slot)
				continue
			}
			if err != nil {
				return report, err
			}
			if created {
				report.CreatedIdentities++
			}
			gs = sqlite.GuestSlot{Identity: ident}
		}

		provisioned, busy, err := i.ensureWorkspace(ctx, &gs)
		if busy {
			i.log.Warn("guest workspace held, rebuild deferred", "slot", slot, "identity_id", gs.Identity.ID)
			report.BusySlots = append(report.BusySlots, slot)
			guests = append(guests, gs)
			continue
		}
		if errors.Is(err, domain.ErrProvisioningFailed) {
			i.log.Error("guest workspace provisioning failed", "slot", slot, "identity_id", gs.Identity.ID, "err", err)
			report.FailedSlots = append(report.FailedSlots, slot)
			continue
		}
		if err != nil {
			return report, err
		}
		if provisioned {
			report.Provisioned++
		}
		guests = append(guests, gs)
	}

	report.Mirrored = i.mirrorGuests(ctx, guests)
	i.log.Info("guest pool ensured",
		"size", size,
		"created", report.CreatedIdentities,
		"provisioned", report.Provisioned,
		"busy", len(report.BusySlots),
		"failed", len(report.FailedSlots))
	return report, nil
}

// fastPathReady checks, with one query and a marker stat per slot, whether
// every slot is already usable. It returns the guests it listed either way.
func (i *Initializer) fastPathReady(ctx context.Context, size int) ([]sqlite.GuestSlot, bool, error) {
	n, err := i.store.CountProvisionedGuests(ctx, size)
	if err != nil {
		return nil, false, err
	}
	slots, err := i.store.ListGuestSlots(ctx, size)
	if err != nil {
		return nil, false, err
	}
	if n != size || len(slots) != size {
		return slots, false, nil
	}
	for _, gs := range slots {
		if !i.slotUsable(gs) {
			return slots, false, nil
		}
	}
	return slots, true, nil
}

func (i *Initializer) slotUsable(gs sqlite.GuestSlot) bool {
	return gs.HasWorkspace &&
		gs.Workspace.Provisioned() &&
		gs.Workspace.Path == i.ws.GuestPath(gs.Identity) &&
		i.ws.Provisioned(gs.Workspace.Path)
}

func (i *Initializer) ensureGuest(ctx context.Context, slot int) (domain.Identity, bool, error) {
	hash, err := auth.UnusablePassword()
	if err != nil {
		return domain.Identity{}, false, err
	}
	return i.store.EnsureGuestIdentity(ctx, slot, GuestUsername(slot), hash, i.now())
}

// ensureWorkspace rebuilds the guest's workspace unless it is already
// usable. The rebuild runs under a restock hold, so a slot with a live lease
// is reported busy and its content is never touched.
func (i *Initializer) ensureWorkspace(ctx context.Context, gs *sqlite.GuestSlot) (provisioned, busy bool, err error) {
	if i.slotUsable(*gs) {
		return false, false, nil
	}
	// Re-read: a claim may have restocked this slot since the listing.
	current, err := i.store.WorkspaceByOwner(ctx, gs.Identity.ID)
	switch {
	case err == nil:
		gs.Workspace, gs.HasWorkspace = current, true
		if i.slotUsable(*gs) {
			return false, false, nil
		}
	case errors.Is(err, domain.ErrWorkspaceNotFound):
	default:
		return false, false, err
	}

	ws, ok, err := i.restocker.restock(ctx, gs.Identity)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, true, nil
	}
	gs.Workspace, gs.HasWorkspace = ws, true
	return true, false, nil
}

// mirrorGuests pushes guests missing from the auxiliary identity service.
// Every failure is logged and skipped.
func (i *Initializer) mirrorGuests(ctx context.Context, guests []sqlite.GuestSlot) int {
	if _, ok := i.mirror.(mirror.Noop); ok {
		return 0
	}
	mirrored := 0
	for _, gs := range guests {
		if err := i.mirrorOne(ctx, gs.Identity); err != nil {
			i.log.Warn("identity mirror failed", "slot", gs.Identity.SlotNumber, "identity_id", gs.Identity.ID, "err", err)
			continue
		}
		mirrored++
	}
	return mirrored
}

func (i *Initializer) mirrorOne(ctx context.Context, ident domain.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, i.mirrorTimeout)
	defer cancel()
	exists, err := i.mirror.Exists(ctx, ident.Username)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return i.mirror.Upsert(ctx, ident)
}
