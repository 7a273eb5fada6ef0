package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/guestpool/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (domain.Identity, error) {
	var (
		id        domain.Identity
		slot      sql.NullInt64
		createdMs int64
	)
	if err := row.Scan(&id.ID, &id.Username, &id.Kind, &slot, &id.PasswordHash, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Identity{}, domain.ErrIdentityNotFound
		}
		return domain.Identity{}, err
	}
	if slot.Valid {
		id.SlotNumber = int(slot.Int64)
	}
	id.CreatedAt = fromMillis(createdMs)
	return id, nil
}

// EnsureGuestIdentity returns the pooled guest bound to slot, creating it with
// username and passwordHash when missing. created reports whether a row was
// inserted by this call.
func (s *Store) EnsureGuestIdentity(ctx context.Context, slot int, username, passwordHash string, now time.Time) (domain.Identity, bool, error) {
	existing, err := s.GuestBySlot(ctx, slot)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrIdentityNotFound) {
		return domain.Identity{}, false, err
	}

	id, err := newID("g")
	if err != nil {
		return domain.Identity{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO identities(id, username, kind, slot_number, password_hash, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		id, strings.TrimSpace(username), domain.IdentityKindGuest, slot, passwordHash, toMillis(now))
	if err != nil {
		return domain.Identity{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Identity{}, false, err
	}

	// A racing process may have created the guest first; read back the winner.
	guest, err := s.GuestBySlot(ctx, slot)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		return domain.Identity{}, false, &domain.SlotError{Slot: slot, Op: "create guest", Err: domain.ErrUsernameTaken}
	}
	if err != nil {
		return domain.Identity{}, false, err
	}
	return guest, affected == 1 && guest.ID == id, nil
}

// CreateUserIdentity inserts a registered account.
func (s *Store) CreateUserIdentity(ctx context.Context, username, passwordHash string, now time.Time) (domain.Identity, error) {
	return s.createIdentity(ctx, "u", domain.IdentityKindUser, username, passwordHash, now)
}

// CreateSessionGuest inserts an unpooled guest used by the degraded strategy.
func (s *Store) CreateSessionGuest(ctx context.Context, username, passwordHash string, now time.Time) (domain.Identity, error) {
	return s.createIdentity(ctx, "sg", domain.IdentityKindSessionGuest, username, passwordHash, now)
}

func (s *Store) createIdentity(ctx context.Context, prefix, kind, username, passwordHash string, now time.Time) (domain.Identity, error) {
	id, err := newID(prefix)
	if err != nil {
		return domain.Identity{}, err
	}
	ident := domain.Identity{
		ID:           id,
		Username:     strings.TrimSpace(username),
		Kind:         kind,
		PasswordHash: passwordHash,
		CreatedAt:    fromMillis(toMillis(now)),
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO identities(id, username, kind, slot_number, password_hash, created_at)
VALUES(?, ?, ?, NULL, ?, ?)`,
		ident.ID, ident.Username, ident.Kind, ident.PasswordHash, toMillis(ident.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return domain.Identity{}, domain.ErrUsernameTaken
		}
		return domain.Identity{}, err
	}
	return ident, nil
}

// DeleteUnclaimedUser removes a registered account that owns no workspace.
// It reports false, deleting nothing, for any other identity.
func (s *Store) DeleteUnclaimedUser(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM identities
WHERE id = ? AND kind = ? AND NOT EXISTS (SELECT 1 FROM workspaces WHERE owner_id = ?)`,
		id, domain.IdentityKindUser, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// IdentityByID looks up an identity by primary key.
func (s *Store) IdentityByID(ctx context.Context, id string) (domain.Identity, error) {
	if s.identityByIDStmt != nil {
		return scanIdentity(s.identityByIDStmt.QueryRowContext(ctx, id))
	}
	return scanIdentity(s.db.QueryRowContext(ctx, identityByIDQuery, id))
}

// IdentityByUsername looks up an identity by its unique username.
func (s *Store) IdentityByUsername(ctx context.Context, username string) (domain.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE username = ?`, strings.TrimSpace(username)))
}

// GuestBySlot returns the pooled guest bound to slot.
func (s *Store) GuestBySlot(ctx context.Context, slot int) (domain.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE slot_number = ? AND kind = ?`, slot, domain.IdentityKindGuest))
}

// CountSessionGuests returns how many degraded-mode guests exist.
func (s *Store) CountSessionGuests(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM identities WHERE kind = ?`, domain.IdentityKindSessionGuest).Scan(&n)
	return n, err
}
