package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/guestpool/internal/domain"
)

func scanWorkspace(row rowScanner) (domain.Workspace, error) {
	var (
		ws          domain.Workspace
		provisioned sql.NullInt64
		createdMs   int64
		updatedMs   int64
	)
	if err := row.Scan(&ws.ID, &ws.OwnerID, &ws.Path, &provisioned, &createdMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Workspace{}, domain.ErrWorkspaceNotFound
		}
		return domain.Workspace{}, err
	}
	ws.ProvisionedAt = nullableMillis(provisioned)
	ws.CreatedAt = fromMillis(createdMs)
	ws.UpdatedAt = fromMillis(updatedMs)
	return ws, nil
}

// WorkspaceByOwner returns the most recent workspace owned by ownerID.
func (s *Store) WorkspaceByOwner(ctx context.Context, ownerID string) (domain.Workspace, error) {
	if s.workspaceByOwnerStmt != nil {
		return scanWorkspace(s.workspaceByOwnerStmt.QueryRowContext(ctx, ownerID))
	}
	return scanWorkspace(s.db.QueryRowContext(ctx, workspaceByOwnerQuery, ownerID))
}

// WorkspaceByID looks up a workspace by primary key.
func (s *Store) WorkspaceByID(ctx context.Context, id string) (domain.Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id))
}

// PutWorkspace records that ownerID has a workspace at path. An existing row
// for the same owner and path is updated in place; otherwise a new row is
// inserted. A nil provisionedAt marks the content as not usable.
func (s *Store) PutWorkspace(ctx context.Context, ownerID, path string, provisionedAt *time.Time, now time.Time) (domain.Workspace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ws, err := putWorkspaceTx(ctx, tx, ownerID, path, provisionedAt, now)
	if err != nil {
		return domain.Workspace{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

func putWorkspaceTx(ctx context.Context, tx *sql.Tx, ownerID, path string, provisionedAt *time.Time, now time.Time) (domain.Workspace, error) {
	ws, err := scanWorkspace(tx.QueryRowContext(ctx, `
SELECT `+workspaceColumns+`
FROM workspaces
WHERE owner_id = ? AND path = ?
LIMIT 1`, ownerID, path))
	switch {
	case err == nil:
		if _, err = tx.ExecContext(ctx, `
UPDATE workspaces SET provisioned_at = ?, updated_at = ? WHERE id = ?`,
			nullableTimeArg(provisionedAt), toMillis(now), ws.ID); err != nil {
			return domain.Workspace{}, err
		}
	case errors.Is(err, domain.ErrWorkspaceNotFound):
		id, idErr := newID("w")
		if idErr != nil {
			return domain.Workspace{}, idErr
		}
		ws = domain.Workspace{ID: id, OwnerID: ownerID, Path: path, CreatedAt: fromMillis(toMillis(now))}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO workspaces(id, owner_id, path, provisioned_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)`,
			ws.ID, ws.OwnerID, ws.Path, nullableTimeArg(provisionedAt), toMillis(now), toMillis(now)); err != nil {
			return domain.Workspace{}, err
		}
	default:
		return domain.Workspace{}, err
	}

	if provisionedAt != nil {
		p := fromMillis(toMillis(*provisionedAt))
		ws.ProvisionedAt = &p
	} else {
		ws.ProvisionedAt = nil
	}
	ws.UpdatedAt = fromMillis(toMillis(now))
	return ws, nil
}

// GuestSlot pairs a pooled guest with its current workspace, if any.
type GuestSlot struct {
	Identity     domain.Identity
	Workspace    domain.Workspace
	HasWorkspace bool
}

// ListGuestSlots returns the pooled guests for slots 1..size in slot order
// with their latest workspace. Slots without a guest are omitted.
func (s *Store) ListGuestSlots(ctx context.Context, size int) ([]GuestSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
 i.id, i.username, i.kind, i.slot_number, i.password_hash, i.created_at,
 w.id, w.owner_id, w.path, w.provisioned_at, w.created_at, w.updated_at
FROM identities i
LEFT JOIN workspaces w ON w.id = (
	SELECT id FROM workspaces
	WHERE owner_id = i.id
	ORDER BY created_at DESC, id DESC
	LIMIT 1
)
WHERE i.kind = ? AND i.slot_number BETWEEN 1 AND ?
ORDER BY i.slot_number ASC`, domain.IdentityKindGuest, size)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GuestSlot
	for rows.Next() {
		var (
			gs                    GuestSlot
			slot                  sql.NullInt64
			identCreated          int64
			wsID, wsOwner, wsPath sql.NullString
			wsProvisioned         sql.NullInt64
			wsCreated, wsUpdated  sql.NullInt64
		)
		if err := rows.Scan(
			&gs.Identity.ID, &gs.Identity.Username, &gs.Identity.Kind, &slot, &gs.Identity.PasswordHash, &identCreated,
			&wsID, &wsOwner, &wsPath, &wsProvisioned, &wsCreated, &wsUpdated,
		); err != nil {
			return nil, err
		}
		gs.Identity.SlotNumber = int(slot.Int64)
		gs.Identity.CreatedAt = fromMillis(identCreated)
		if wsID.Valid {
			gs.HasWorkspace = true
			gs.Workspace = domain.Workspace{
				ID:            wsID.String,
				OwnerID:       wsOwner.String,
				Path:          wsPath.String,
				ProvisionedAt: nullableMillis(wsProvisioned),
				CreatedAt:     fromMillis(wsCreated.Int64),
				UpdatedAt:     fromMillis(wsUpdated.Int64),
			}
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

// CountProvisionedGuests returns how many of slots 1..size have a guest with
// a provisioned workspace.
func (s *Store) CountProvisionedGuests(ctx context.Context, size int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT i.slot_number)
FROM identities i
JOIN workspaces w ON w.owner_id = i.id
WHERE i.kind = ? AND i.slot_number BETWEEN 1 AND ? AND w.provisioned_at IS NOT NULL`,
		domain.IdentityKindGuest, size).Scan(&n)
	return n, err
}

// TransferInput describes a one-way workspace ownership transfer.
type TransferInput struct {
	WorkspaceID string
	FromOwnerID string
	FromPath    string
	ToOwnerID   string
	ToPath      string

	// AllocationID and LeaseToken identify the lease to end as claimed.
	// Both empty means no slot is involved (degraded mode).
	AllocationID string
	LeaseToken   string

	Now time.Time
}

// TransferWorkspace reassigns a workspace to a new owner and, when a lease is
// given, ends it as claimed, in one transaction. Both updates are conditional
// on the rows still being in the expected state; if either has moved on the
// transaction is rolled back and ErrTransferPreconditionFailed is returned.
func (s *Store) TransferWorkspace(ctx context.Context, in TransferInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := toMillis(in.Now)
	res, err := tx.ExecContext(ctx, `
UPDATE workspaces
SET owner_id = ?, path = ?, updated_at = ?
WHERE id = ? AND owner_id = ? AND path = ?`,
		in.ToOwnerID, in.ToPath, nowMs, in.WorkspaceID, in.FromOwnerID, in.FromPath)
	if err != nil {
		return err
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if in.AllocationID != "" {
		res, err = tx.ExecContext(ctx, `
UPDATE slot_allocations
SET is_active = 0, ended_at = ?, end_reason = ?
WHERE id = ? AND lease_token = ? AND is_active = 1 AND expires_at > ?`,
			nowMs, domain.EndReasonClaimed, in.AllocationID, in.LeaseToken, nowMs)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return domain.ErrTransferPreconditionFailed
	}
	return nil
}
