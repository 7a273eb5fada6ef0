package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koltyakov/guestpool/internal/auth"
	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/session"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

// Slotted leases the N pooled guests, one session per slot at a time.
type Slotted struct {
	store     *sqlite.Store
	ws        *workspace.Manager
	restocker *restocker
	size      int
	ttl       time.Duration
	now       func() time.Time
	log       *slog.Logger
}

var _ Strategy = (*Slotted)(nil)

// NewSlotted returns the bounded allocation strategy.
func NewSlotted(store *sqlite.Store, ws *workspace.Manager, opts Options) *Slotted {
	opts = opts.withDefaults()
	return &Slotted{
		store:     store,
		ws:        ws,
		restocker: newRestocker(store, ws, opts),
		size:      opts.Size,
		ttl:       opts.LeaseDuration,
		now:       opts.Now,
		log:       opts.Logger,
	}
}

func (s *Slotted) Mode() string { return ModeSlotted }

// Size returns the number of slots in the pool.
func (s *Slotted) Size() int { return s.size }

// Allocate returns the session's current lease when it is still valid, or
// claims the lowest-numbered free slot.
//
// A slot whose previous lease had expired but was not swept yet is retired
// on the spot. It, like any idle slot that lost its content, needs a
// template copy before it can be handed out. That copy is only paid when no
// already-stocked slot is free.
func (s *Slotted) Allocate(ctx context.Context, sess session.Session) (domain.Lease, error) {
	now := s.now()
	lease, err := s.validate(ctx, sess, now)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, domain.ErrInvalidLease) {
		return domain.Lease{}, err
	}
	cleared := session.ClearLease(sess)
	if cleared {
		s.log.Debug("dropped stale lease from session", "session", sess.Key(), "err", err)
	}

	var unstocked []int
	for slot := 1; slot <= s.size; slot++ {
		alloc, err := s.claim(ctx, sess, slot, now)
		if errors.Is(err, domain.ErrSlotNeedsRestock) {
			unstocked = append(unstocked, slot)
			continue
		}
		if errors.Is(err, domain.ErrSlotUnavailable) {
			continue
		}
		if err != nil {
			return domain.Lease{}, err
		}
		return s.bind(ctx, sess, alloc)
	}

	for _, slot := range unstocked {
		if !s.restocker.restockSlot(ctx, slot) {
			continue
		}
		alloc, err := s.claim(ctx, sess, slot, s.now())
		if errors.Is(err, domain.ErrSlotUnavailable) || errors.Is(err, domain.ErrSlotNeedsRestock) {
			continue
		}
		if err != nil {
			return domain.Lease{}, err
		}
		return s.bind(ctx, sess, alloc)
	}

	if cleared {
		if err := sess.Commit(ctx); err != nil {
			return domain.Lease{}, fmt.Errorf("commit session: %w", err)
		}
	}
	return domain.Lease{}, domain.ErrPoolExhausted
}

func (s *Slotted) claim(ctx context.Context, sess session.Session, slot int, now time.Time) (domain.SlotAllocation, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return domain.SlotAllocation{}, fmt.Errorf("generate lease token: %w", err)
	}
	return s.store.ClaimSlot(ctx, sqlite.ClaimSlotInput{
		Slot:       slot,
		SessionKey: sess.Key(),
		LeaseToken: token,
		Now:        now,
		TTL:        s.ttl,
	})
}

// bind loads the guest behind a fresh allocation and records the lease on
// the session. The allocation is released again if either step fails; the
// slot then waits for the next restock pass.
func (s *Slotted) bind(ctx context.Context, sess session.Session, alloc domain.SlotAllocation) (domain.Lease, error) {
	lease, err := s.leaseFor(ctx, alloc)
	if err == nil {
		session.WriteLease(sess, session.LeaseAnnotation{
			SlotNumber: alloc.SlotNumber,
			IdentityID: lease.Identity.ID,
			LeaseToken: alloc.LeaseToken,
		})
		err = sess.Commit(ctx)
		if err != nil {
			session.ClearLease(sess)
			err = fmt.Errorf("commit session: %w", err)
		}
	}
	if err != nil {
		if _, relErr := s.store.ReleaseLease(context.WithoutCancel(ctx), alloc.ID, alloc.LeaseToken, domain.EndReasonReleased, s.now()); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return domain.Lease{}, &domain.SlotError{Slot: alloc.SlotNumber, Op: "allocate", Err: err}
	}
	s.log.Info("guest slot leased",
		"slot", alloc.SlotNumber,
		"session", sess.Key(),
		"identity_id", lease.Identity.ID,
		"expires_at", alloc.ExpiresAt)
	return lease, nil
}

func (s *Slotted) leaseFor(ctx context.Context, alloc domain.SlotAllocation) (domain.Lease, error) {
	guest, err := s.store.GuestBySlot(ctx, alloc.SlotNumber)
	if err != nil {
		return domain.Lease{}, err
	}
	ws, err := s.store.WorkspaceByOwner(ctx, guest.ID)
	if err != nil {
		return domain.Lease{}, err
	}
	return domain.Lease{Identity: guest, Workspace: ws, Allocation: &alloc}, nil
}

// validate resolves the lease recorded on sess. Any mismatch between the
// annotation, the registry row, and the slot's guest yields an error
// wrapping [domain.ErrInvalidLease]; other errors are store failures.
func (s *Slotted) validate(ctx context.Context, sess session.Session, now time.Time) (domain.Lease, error) {
	ann, ok := session.ReadLease(sess)
	if !ok {
		return domain.Lease{}, domain.ErrInvalidLease
	}
	alloc, err := s.store.LeaseByToken(ctx, ann.LeaseToken)
	if errors.Is(err, domain.ErrLeaseNotFound) {
		return domain.Lease{}, fmt.Errorf("%w: unknown token", domain.ErrInvalidLease)
	}
	if err != nil {
		return domain.Lease{}, err
	}
	switch {
	case !alloc.LiveAt(now):
		return domain.Lease{}, fmt.Errorf("%w: lease ended or expired", domain.ErrInvalidLease)
	case alloc.SlotNumber != ann.SlotNumber:
		return domain.Lease{}, fmt.Errorf("%w: slot mismatch", domain.ErrInvalidLease)
	case !auth.ConstantTimeEquals(alloc.SessionKey, sess.Key()):
		return domain.Lease{}, fmt.Errorf("%w: lease held by another session", domain.ErrInvalidLease)
	}
	lease, err := s.leaseFor(ctx, alloc)
	if errors.Is(err, domain.ErrIdentityNotFound) || errors.Is(err, domain.ErrWorkspaceNotFound) {
		return domain.Lease{}, fmt.Errorf("%w: %v", domain.ErrInvalidLease, err)
	}
	if err != nil {
		return domain.Lease{}, err
	}
	if lease.Identity.ID != ann.IdentityID {
		return domain.Lease{}, fmt.Errorf("%w: identity mismatch", domain.ErrInvalidLease)
	}
	return lease, nil
}

// Deallocate ends the session's lease as released, restocks the slot so the
// next visitor starts from the template, and clears the session.
func (s *Slotted) Deallocate(ctx context.Context, sess session.Session) error {
	ann, ok := session.ReadLease(sess)
	if !ok {
		if session.ClearLease(sess) {
			return sess.Commit(ctx)
		}
		return nil
	}
	alloc, err := s.store.LeaseByToken(ctx, ann.LeaseToken)
	switch {
	case errors.Is(err, domain.ErrLeaseNotFound):
	case err != nil:
		return err
	case alloc.SessionKey == sess.Key():
		released, err := s.store.ReleaseLease(ctx, alloc.ID, alloc.LeaseToken, domain.EndReasonReleased, s.now())
		if err != nil {
			return &domain.SlotError{Slot: alloc.SlotNumber, Op: "release", Err: err}
		}
		if released {
			s.log.Info("guest slot released", "slot", alloc.SlotNumber, "session", sess.Key())
			s.restocker.restockSlot(ctx, alloc.SlotNumber)
		}
	}
	session.ClearLease(sess)
	return sess.Commit(ctx)
}

// Status counts slot usage at the current time.
func (s *Slotted) Status(ctx context.Context) (domain.PoolStatus, error) {
	allocated, expired, err := s.store.PoolCounts(ctx, s.now(), s.size)
	if err != nil {
		return domain.PoolStatus{}, err
	}
	return domain.PoolStatus{
		Total:     s.size,
		Allocated: allocated,
		Free:      s.size - allocated,
		Expired:   expired,
	}, nil
}
