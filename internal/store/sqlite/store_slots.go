package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/koltyakov/guestpool/internal/domain"
)

func scanAllocation(row rowScanner) (domain.SlotAllocation, error) {
	var (
		a         domain.SlotAllocation
		expiresMs int64
		active    int
		createdMs int64
		endedMs   sql.NullInt64
		reason    sql.NullString
	)
	if err := row.Scan(&a.ID, &a.SlotNumber, &a.SessionKey, &a.LeaseToken, &expiresMs, &active, &createdMs, &endedMs, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SlotAllocation{}, domain.ErrLeaseNotFound
		}
		return domain.SlotAllocation{}, err
	}
	a.ExpiresAt = fromMillis(expiresMs)
	a.IsActive = active == 1
	a.CreatedAt = fromMillis(createdMs)
	a.EndedAt = nullableMillis(endedMs)
	a.EndReason = reason.String
	return a, nil
}

// ClaimSlotInput describes one attempt to lease a slot.
type ClaimSlotInput struct {
	Slot       int
	SessionKey string
	LeaseToken string
	Now        time.Time
	TTL        time.Duration
}

// ClaimSlot leases slot for a session in a single write transaction.
//
// An active row whose expiry has passed is retired first. Its visitor may
// have changed the workspace, so the slot's workspace is marked unprovisioned
// in the same transaction and ErrSlotNeedsRestock is returned. The same error
// is returned for any idle slot whose workspace is not provisioned; the
// caller must restock it before claiming. A slot held by a live lease or a
// restock, or without a guest, yields ErrSlotUnavailable. The partial unique
// index on active slot numbers guarantees that exactly one concurrent caller
// wins; every loser gets ErrSlotUnavailable.
func (s *Store) ClaimSlot(ctx context.Context, in ClaimSlotInput) (domain.SlotAllocation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SlotAllocation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := in.Now.UTC()
	nowMs := toMillis(now)

	retired, err := retireExpiredTx(ctx, tx, in.Slot, nowMs)
	if err != nil {
		return domain.SlotAllocation{}, err
	}
	if retired {
		if err = tx.Commit(); err != nil {
			return domain.SlotAllocation{}, err
		}
		return domain.SlotAllocation{}, &domain.SlotError{Slot: in.Slot, Op: "claim", Err: domain.ErrSlotNeedsRestock}
	}

	var provisioned, held bool
	err = tx.QueryRowContext(ctx, `
SELECT
 EXISTS(SELECT 1 FROM workspaces w WHERE w.owner_id = i.id AND w.provisioned_at IS NOT NULL),
 EXISTS(SELECT 1 FROM slot_allocations a WHERE a.slot_number = i.slot_number AND a.is_active = 1)
FROM identities i
WHERE i.slot_number = ? AND i.kind = ?`, in.Slot, domain.IdentityKindGuest).Scan(&provisioned, &held)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.SlotAllocation{}, &domain.SlotError{Slot: in.Slot, Op: "claim", Err: domain.ErrSlotUnavailable}
	case err != nil:
		return domain.SlotAllocation{}, err
	case held:
		return domain.SlotAllocation{}, &domain.SlotError{Slot: in.Slot, Op: "claim", Err: domain.ErrSlotUnavailable}
	case !provisioned:
		return domain.SlotAllocation{}, &domain.SlotError{Slot: in.Slot, Op: "claim", Err: domain.ErrSlotNeedsRestock}
	}

	a, err := insertAllocationTx(ctx, tx, in.Slot, in.SessionKey, in.LeaseToken, now, in.TTL)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.SlotAllocation{}, &domain.SlotError{Slot: in.Slot, Op: "claim", Err: domain.ErrSlotUnavailable}
		}
		return domain.SlotAllocation{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.SlotAllocation{}, err
	}
	return a, nil
}

// RestockInput describes a hold taken on a slot while its guest workspace is
// rebuilt.
type RestockInput struct {
	Slot       int
	LeaseToken string
	Now        time.Time
	TTL        time.Duration
}

// BeginRestock takes a restock hold on slot: an active allocation row under
// RestockSessionKey. The hold goes through the same unique index as a visitor
// lease, so it fails with ErrSlotUnavailable while any live lease or another
// hold exists. An expired row is retired first, as in ClaimSlot. Nothing can
// claim the slot until the hold is finished or released.
func (s *Store) BeginRestock(ctx context.Context, in RestockInput) (domain.SlotAllocation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SlotAllocation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := in.Now.UTC()
	if _, err = retireExpiredTx(ctx, tx, in.Slot, toMillis(now)); err != nil {
		return domain.SlotAllocation{}, err
	}
	a, err := insertAllocationTx(ctx, tx, in.Slot, domain.RestockSessionKey, in.LeaseToken, now, in.TTL)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.SlotAllocation{}, &domain.SlotError{Slot: in.Slot, Op: "restock", Err: domain.ErrSlotUnavailable}
		}
		return domain.SlotAllocation{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.SlotAllocation{}, err
	}
	return a, nil
}

// FinishRestockInput identifies the hold to end and the rebuilt workspace.
type FinishRestockInput struct {
	AllocationID string
	LeaseToken   string
	OwnerID      string
	Path         string
	Now          time.Time
}

// FinishRestock ends a restock hold and records the workspace as provisioned
// in one transaction. If the hold is no longer active, nothing is written and
// ErrLeaseNotFound is returned.
func (s *Store) FinishRestock(ctx context.Context, in FinishRestockInput) (domain.Workspace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := in.Now.UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE slot_allocations
SET is_active = 0, ended_at = ?, end_reason = ?
WHERE id = ? AND lease_token = ? AND is_active = 1`,
		toMillis(now), domain.EndReasonRestocked, in.AllocationID, in.LeaseToken)
	if err != nil {
		return domain.Workspace{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Workspace{}, err
	}
	if affected != 1 {
		return domain.Workspace{}, domain.ErrLeaseNotFound
	}

	ws, err := putWorkspaceTx(ctx, tx, in.OwnerID, in.Path, &now, now)
	if err != nil {
		return domain.Workspace{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

// LeaseByToken returns the allocation row holding token, whatever its state.
func (s *Store) LeaseByToken(ctx context.Context, token string) (domain.SlotAllocation, error) {
	return scanAllocation(s.db.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM slot_allocations WHERE lease_token = ?`, token))
}

// ReleaseLease marks the allocation inactive with reason and, in the same
// transaction, marks its slot's workspace unprovisioned so the slot cannot be
// claimed until it is restocked. It reports false when the row was already
// inactive, which makes repeated calls harmless.
func (s *Store) ReleaseLease(ctx context.Context, id, token, reason string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := toMillis(now)
	var slot int
	err = tx.QueryRowContext(ctx, `
UPDATE slot_allocations
SET is_active = 0, ended_at = ?, end_reason = ?
WHERE id = ? AND lease_token = ? AND is_active = 1
RETURNING slot_number`,
		nowMs, reason, id, token).Scan(&slot)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err = clearSlotWorkspaceTx(ctx, tx, slot, nowMs); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireLeases marks every active allocation whose expiry is at or before now
// as inactive, marks the workspaces of those slots unprovisioned, and returns
// the freed slot numbers in ascending order. A row freshly claimed by a racing
// allocation has a future expiry and is left alone.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := toMillis(now)
	rows, err := tx.QueryContext(ctx, `
UPDATE slot_allocations
SET is_active = 0, ended_at = ?, end_reason = ?
WHERE is_active = 1 AND expires_at <= ?
RETURNING slot_number`,
		nowMs, domain.EndReasonExpired, nowMs)
	if err != nil {
		return nil, err
	}
	var slots []int
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			_ = rows.Close()
			return nil, err
		}
		slots = append(slots, slot)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, slot := range slots {
		if err := clearSlotWorkspaceTx(ctx, tx, slot, nowMs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sort.Ints(slots)
	return slots, nil
}

// retireExpiredTx ends the slot's active row if it has expired and marks the
// slot's workspace unprovisioned. It reports whether a row was retired.
func retireExpiredTx(ctx context.Context, tx *sql.Tx, slot int, nowMs int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE slot_allocations
SET is_active = 0, ended_at = ?, end_reason = ?
WHERE slot_number = ? AND is_active = 1 AND expires_at <= ?`,
		nowMs, domain.EndReasonExpired, slot, nowMs)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	return true, clearSlotWorkspaceTx(ctx, tx, slot, nowMs)
}

// clearSlotWorkspaceTx marks the workspace of the guest bound to slot as not
// provisioned.
func clearSlotWorkspaceTx(ctx context.Context, tx *sql.Tx, slot int, nowMs int64) error {
	_, err := tx.ExecContext(ctx, `
UPDATE workspaces
SET provisioned_at = NULL, updated_at = ?
WHERE provisioned_at IS NOT NULL AND owner_id IN (
	SELECT id FROM identities WHERE kind = ? AND slot_number = ?
)`, nowMs, domain.IdentityKindGuest, slot)
	return err
}

func insertAllocationTx(ctx context.Context, tx *sql.Tx, slot int, sessionKey, token string, now time.Time, ttl time.Duration) (domain.SlotAllocation, error) {
	id, err := newID("sa")
	if err != nil {
		return domain.SlotAllocation{}, err
	}
	nowMs := toMillis(now)
	a := domain.SlotAllocation{
		ID:         id,
		SlotNumber: slot,
		SessionKey: sessionKey,
		LeaseToken: token,
		ExpiresAt:  fromMillis(toMillis(now.Add(ttl))),
		IsActive:   true,
		CreatedAt:  fromMillis(nowMs),
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO slot_allocations(`+allocationColumns+`)
VALUES(?, ?, ?, ?, ?, 1, ?, NULL, NULL)`,
		a.ID, a.SlotNumber, a.SessionKey, a.LeaseToken, toMillis(a.ExpiresAt), nowMs); err != nil {
		return domain.SlotAllocation{}, err
	}
	return a, nil
}

// PoolCounts returns, for slots 1..size, the number of live leases and the
// number of leases still marked active but past their expiry.
func (s *Store) PoolCounts(ctx context.Context, now time.Time, size int) (allocated, expired int, err error) {
	nowMs := toMillis(now)
	err = s.db.QueryRowContext(ctx, `
SELECT
 COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
 COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
FROM slot_allocations
WHERE is_active = 1 AND slot_number BETWEEN 1 AND ?`,
		nowMs, nowMs, size).Scan(&allocated, &expired)
	return allocated, expired, err
}

// ActiveLeases returns every allocation still marked active, in slot order.
func (s *Store) ActiveLeases(ctx context.Context) ([]domain.SlotAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+allocationColumns+`
FROM slot_allocations
WHERE is_active = 1
ORDER BY slot_number ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SlotAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllocationHistory returns every row ever written for slot, oldest first.
func (s *Store) AllocationHistory(ctx context.Context, slot int) ([]domain.SlotAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+allocationColumns+`
FROM slot_allocations
WHERE slot_number = ?
ORDER BY created_at ASC, id ASC`, slot)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SlotAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
