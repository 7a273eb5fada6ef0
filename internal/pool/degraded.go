package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/guestpool/internal/auth"
	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/session"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

// Degraded gives every session its own guest identity, created on first
// use. There is no cap and no expiry. It exists so hosts keep serving while
// the slot registry schema is being rolled out.
type Degraded struct {
	store *sqlite.Store
	ws    *workspace.Manager
	now   func() time.Time
	log   *slog.Logger
}

var _ Strategy = (*Degraded)(nil)

func NewDegraded(store *sqlite.Store, ws *workspace.Manager, opts Options) *Degraded {
	opts = opts.withDefaults()
	return &Degraded{
		store: store,
		ws:    ws,
		now:   opts.Now,
		log:   opts.Logger.With("mode", ModeDegraded),
	}
}

func (d *Degraded) Mode() string { return ModeDegraded }

func (d *Degraded) Allocate(ctx context.Context, sess session.Session) (domain.Lease, error) {
	if lease, ok, err := d.current(ctx, sess); err != nil {
		return domain.Lease{}, err
	} else if ok {
		path, err := d.ws.Ensure(ctx, lease.Identity)
		if err != nil {
			return domain.Lease{}, err
		}
		if !lease.Workspace.Provisioned() || lease.Workspace.Path != path {
			now := d.now()
			if lease.Workspace, err = d.store.PutWorkspace(ctx, lease.Identity.ID, path, &now, now); err != nil {
				return domain.Lease{}, err
			}
		}
		d.log.Debug("session guest reused", "session", sess.Key(), "identity_id", lease.Identity.ID)
		return lease, nil
	}

	hash, err := auth.UnusablePassword()
	if err != nil {
		return domain.Lease{}, err
	}
	ident, err := d.store.CreateSessionGuest(ctx, visitorUsername(), hash, d.now())
	if err != nil {
		return domain.Lease{}, fmt.Errorf("create session guest: %w", err)
	}
	path, err := d.ws.Ensure(ctx, ident)
	if err != nil {
		return domain.Lease{}, err
	}
	now := d.now()
	ws, err := d.store.PutWorkspace(ctx, ident.ID, path, &now, now)
	if err != nil {
		return domain.Lease{}, err
	}
	sess.Set(session.KeySessionGuestID, ident.ID)
	if err := sess.Commit(ctx); err != nil {
		return domain.Lease{}, fmt.Errorf("commit session: %w", err)
	}
	d.log.Info("session guest created", "session", sess.Key(), "identity_id", ident.ID)
	return domain.Lease{Identity: ident, Workspace: ws}, nil
}

// current returns the session guest recorded on sess. A reference to an
// identity that is gone or no longer a session guest is dropped.
func (d *Degraded) current(ctx context.Context, sess session.Session) (domain.Lease, bool, error) {
	id, ok := sess.Get(session.KeySessionGuestID)
	if !ok || strings.TrimSpace(id) == "" {
		return domain.Lease{}, false, nil
	}
	ident, err := d.store.IdentityByID(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrIdentityNotFound) {
		return domain.Lease{}, false, err
	}
	if err != nil || ident.Kind != domain.IdentityKindSessionGuest {
		sess.Pop(session.KeySessionGuestID)
		return domain.Lease{}, false, nil
	}
	ws, err := d.store.WorkspaceByOwner(ctx, ident.ID)
	if err != nil && !errors.Is(err, domain.ErrWorkspaceNotFound) {
		return domain.Lease{}, false, err
	}
	return domain.Lease{Identity: ident, Workspace: ws}, true, nil
}

// Deallocate forgets the session guest. Its identity and workspace stay.
func (d *Degraded) Deallocate(ctx context.Context, sess session.Session) error {
	if _, ok := sess.Pop(session.KeySessionGuestID); !ok {
		return nil
	}
	return sess.Commit(ctx)
}

// ClaimOnSignup hands the session guest's workspace to newIdentity with the
// same move-then-commit ordering as the slotted pool. There is no slot to
// free and nothing to restock.
func (d *Degraded) ClaimOnSignup(ctx context.Context, sess session.Session, newIdentity domain.Identity) (domain.Workspace, bool, error) {
	lease, ok, err := d.current(ctx, sess)
	if err != nil {
		return domain.Workspace{}, false, err
	}
	reject := func(reason string) (domain.Workspace, bool, error) {
		d.log.Warn("claim rejected", "session", sess.Key(), "identity_id", newIdentity.ID,
			"err", fmt.Errorf("%w: %s", domain.ErrTransferPreconditionFailed, reason))
		return domain.Workspace{}, false, nil
	}
	switch {
	case !ok:
		return reject("session has no guest")
	case newIdentity.ID == "" || newIdentity.Kind == domain.IdentityKindSessionGuest || newIdentity.IsPooledGuest():
		return reject("new identity is not a registered account")
	case lease.Workspace.ID == "" || lease.Workspace.OwnerID != lease.Identity.ID:
		return reject("session guest has no workspace")
	case lease.Workspace.Path != d.ws.GuestPath(lease.Identity):
		return reject("workspace outside guest area")
	}

	src := lease.Workspace.Path
	dst := d.ws.UserPath(newIdentity, lease.Workspace.ID)
	if err := d.ws.Move(src, dst); err != nil {
		return domain.Workspace{}, false, fmt.Errorf("claim: move workspace: %w", err)
	}
	now := d.now()
	err = d.store.TransferWorkspace(ctx, sqlite.TransferInput{
		WorkspaceID: lease.Workspace.ID,
		FromOwnerID: lease.Identity.ID,
		FromPath:    src,
		ToOwnerID:   newIdentity.ID,
		ToPath:      dst,
		Now:         now,
	})
	if err != nil {
		if backErr := d.ws.Move(dst, src); backErr != nil {
			return domain.Workspace{}, false, fmt.Errorf("claim: %w", errors.Join(err, backErr))
		}
		if errors.Is(err, domain.ErrTransferPreconditionFailed) {
			return reject("workspace changed owner during claim")
		}
		return domain.Workspace{}, false, fmt.Errorf("claim: commit: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	sess.Pop(session.KeySessionGuestID)
	if err := sess.Commit(ctx); err != nil {
		d.log.Warn("failed to clear claimed guest from session", "session", sess.Key(), "err", err)
	}
	d.log.Info("session guest workspace claimed", "identity_id", newIdentity.ID, "workspace_id", lease.Workspace.ID)

	ws, err := d.store.WorkspaceByID(ctx, lease.Workspace.ID)
	if err != nil {
		ws = lease.Workspace
		ws.OwnerID = newIdentity.ID
		ws.Path = dst
		ws.UpdatedAt = now
	}
	return ws, true, nil
}

// Status reports every session guest as allocated. The pool is unbounded.
func (d *Degraded) Status(ctx context.Context) (domain.PoolStatus, error) {
	n, err := d.store.CountSessionGuests(ctx)
	if err != nil {
		return domain.PoolStatus{}, err
	}
	return domain.PoolStatus{Total: n, Allocated: n, Degraded: true}, nil
}

func visitorUsername() string {
	return visitorUsernamePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
