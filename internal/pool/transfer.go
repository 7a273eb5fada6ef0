package pool

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/session"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
)

// ClaimOnSignup transfers the session's leased guest workspace to
// newIdentity and restocks the vacated slot.
//
// The directory is moved before the registry transaction that reassigns the
// workspace and ends the lease as claimed. If the move fails nothing has
// changed and the visitor keeps the lease. If the commit fails the directory
// is moved back. A session without a valid lease, or a slot whose workspace
// is not the guest's own, yields ok=false with no mutation.
func (s *Slotted) ClaimOnSignup(ctx context.Context, sess session.Session, newIdentity domain.Identity) (domain.Workspace, bool, error) {
	lease, err := s.validate(ctx, sess, s.now())
	if errors.Is(err, domain.ErrInvalidLease) {
		s.log.Warn("claim rejected", "session", sess.Key(), "err", fmt.Errorf("%w: %v", domain.ErrTransferPreconditionFailed, err))
		return domain.Workspace{}, false, nil
	}
	if err != nil {
		return domain.Workspace{}, false, err
	}
	if err := s.checkClaimable(lease, newIdentity); err != nil {
		s.log.Warn("claim rejected",
			"slot", lease.Identity.SlotNumber,
			"session", sess.Key(),
			"identity_id", newIdentity.ID,
			"err", err)
		return domain.Workspace{}, false, nil
	}

	guest := lease.Identity
	src := lease.Workspace.Path
	dst := s.ws.UserPath(newIdentity, lease.Workspace.ID)
	if err := s.ws.Move(src, dst); err != nil {
		return domain.Workspace{}, false, &domain.SlotError{Slot: guest.SlotNumber, Op: "claim: move workspace", Err: err}
	}

	// The lease may run out while the tree is moving; the commit checks
	// expiry against the time it actually runs.
	commitAt := s.now()
	err = s.store.TransferWorkspace(ctx, sqlite.TransferInput{
		WorkspaceID:  lease.Workspace.ID,
		FromOwnerID:  guest.ID,
		FromPath:     src,
		ToOwnerID:    newIdentity.ID,
		ToPath:       dst,
		AllocationID: lease.Allocation.ID,
		LeaseToken:   lease.Allocation.LeaseToken,
		Now:          commitAt,
	})
	if err != nil {
		if backErr := s.ws.Move(dst, src); backErr != nil {
			s.log.Error("claimed workspace stranded after failed commit",
				"slot", guest.SlotNumber, "path", dst, "err", backErr)
			return domain.Workspace{}, false, &domain.SlotError{Slot: guest.SlotNumber, Op: "claim", Err: errors.Join(err, backErr)}
		}
		if errors.Is(err, domain.ErrTransferPreconditionFailed) {
			s.log.Warn("claim lost race with lease change", "slot", guest.SlotNumber, "session", sess.Key(), "err", err)
			return domain.Workspace{}, false, nil
		}
		return domain.Workspace{}, false, &domain.SlotError{Slot: guest.SlotNumber, Op: "claim: commit", Err: err}
	}

	// The transfer is durable from here on. Later failures are logged only.
	ctx = context.WithoutCancel(ctx)
	session.ClearLease(sess)
	if err := sess.Commit(ctx); err != nil {
		s.log.Warn("failed to clear claimed lease from session", "session", sess.Key(), "err", err)
	}
	s.log.Info("guest workspace claimed",
		"slot", guest.SlotNumber,
		"identity_id", newIdentity.ID,
		"workspace_id", lease.Workspace.ID)

	if _, ok, err := s.restocker.restock(ctx, guest); err != nil {
		s.log.Error("failed to restock guest workspace", "slot", guest.SlotNumber, "identity_id", guest.ID, "err", err)
	} else if !ok {
		s.log.Warn("claimed slot already held, restock skipped", "slot", guest.SlotNumber)
	}

	ws, err := s.store.WorkspaceByID(ctx, lease.Workspace.ID)
	if err != nil {
		ws = lease.Workspace
		ws.OwnerID = newIdentity.ID
		ws.Path = dst
		ws.UpdatedAt = commitAt
	}
	return ws, true, nil
}

func (s *Slotted) checkClaimable(lease domain.Lease, newIdentity domain.Identity) error {
	switch {
	case newIdentity.ID == "":
		return fmt.Errorf("%w: new identity has no id", domain.ErrTransferPreconditionFailed)
	case newIdentity.IsPooledGuest() || newIdentity.Kind == domain.IdentityKindSessionGuest:
		return fmt.Errorf("%w: new identity is a guest", domain.ErrTransferPreconditionFailed)
	case !lease.Identity.IsPooledGuest():
		return fmt.Errorf("%w: lease identity is not a pooled guest", domain.ErrTransferPreconditionFailed)
	case lease.Workspace.OwnerID != lease.Identity.ID:
		return fmt.Errorf("%w: workspace not owned by slot guest", domain.ErrTransferPreconditionFailed)
	case lease.Workspace.Path != s.ws.GuestPath(lease.Identity):
		return fmt.Errorf("%w: workspace outside guest area", domain.ErrTransferPreconditionFailed)
	case !lease.Workspace.Provisioned():
		return fmt.Errorf("%w: workspace not provisioned", domain.ErrTransferPreconditionFailed)
	}
	if info, err := os.Stat(lease.Workspace.Path); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: workspace content missing", domain.ErrTransferPreconditionFailed)
	}
	return nil
}
