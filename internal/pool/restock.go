package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koltyakov/guestpool/internal/auth"
	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

// restockHoldTTL bounds how long a crashed restock can keep its slot out of
// circulation. It must outlast the slowest template copy.
const restockHoldTTL = 15 * time.Minute

// restocker rebuilds pooled guest workspaces. Every rebuild runs under a
// restock hold on the slot, so it never overlaps a live lease or another
// rebuild of the same slot.
type restocker struct {
	store *sqlite.Store
	ws    *workspace.Manager
	now   func() time.Time
	log   *slog.Logger
}

func newRestocker(store *sqlite.Store, ws *workspace.Manager, opts Options) *restocker {
	return &restocker{store: store, ws: ws, now: opts.Now, log: opts.Logger}
}

// restock wipes guest's workspace back to the template and records it as
// provisioned. ok is false with a nil error when the slot is held by a live
// lease or by another restock; nothing is touched then.
func (r *restocker) restock(ctx context.Context, guest domain.Identity) (ws domain.Workspace, ok bool, err error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return domain.Workspace{}, false, fmt.Errorf("generate restock token: %w", err)
	}
	hold, err := r.store.BeginRestock(ctx, sqlite.RestockInput{
		Slot:       guest.SlotNumber,
		LeaseToken: token,
		Now:        r.now(),
		TTL:        restockHoldTTL,
	})
	if errors.Is(err, domain.ErrSlotUnavailable) {
		return domain.Workspace{}, false, nil
	}
	if err != nil {
		return domain.Workspace{}, false, err
	}

	path, err := r.ws.Reset(ctx, guest)
	if err != nil {
		r.abort(ctx, hold)
		return domain.Workspace{}, false, err
	}
	ws, err = r.store.FinishRestock(ctx, sqlite.FinishRestockInput{
		AllocationID: hold.ID,
		LeaseToken:   hold.LeaseToken,
		OwnerID:      guest.ID,
		Path:         path,
		Now:          r.now(),
	})
	if errors.Is(err, domain.ErrLeaseNotFound) {
		return domain.Workspace{}, false, &domain.SlotError{Slot: guest.SlotNumber, Op: "restock",
			Err: fmt.Errorf("%w: restock hold lost", domain.ErrProvisioningFailed)}
	}
	if err != nil {
		r.abort(ctx, hold)
		return domain.Workspace{}, false, err
	}
	r.log.Debug("guest slot restocked", "slot", guest.SlotNumber, "path", path)
	return ws, true, nil
}

// restockSlot restocks the guest bound to slot. Failures are logged; the slot
// stays unclaimable until the next restock pass succeeds.
func (r *restocker) restockSlot(ctx context.Context, slot int) bool {
	guest, err := r.store.GuestBySlot(ctx, slot)
	if err != nil {
		r.log.Error("failed to load guest for restock", "slot", slot, "err", err)
		return false
	}
	_, ok, err := r.restock(ctx, guest)
	if err != nil {
		r.log.Error("failed to restock guest workspace", "slot", slot, "identity_id", guest.ID, "err", err)
		return false
	}
	return ok
}

func (r *restocker) abort(ctx context.Context, hold domain.SlotAllocation) {
	if _, err := r.store.ReleaseLease(context.WithoutCancel(ctx), hold.ID, hold.LeaseToken, domain.EndReasonReleased, r.now()); err != nil {
		r.log.Warn("failed to release restock hold", "slot", hold.SlotNumber, "err", err)
	}
}
