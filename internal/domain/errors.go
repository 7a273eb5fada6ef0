package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrPoolExhausted means every slot holds a live lease. Retryable.
	ErrPoolExhausted = errors.New("guest pool exhausted")

	// ErrInvalidLease marks a stale, forged, or expired lease token.
	ErrInvalidLease = errors.New("invalid lease")

	// ErrProvisioningFailed wraps template copy or workspace setup failures.
	ErrProvisioningFailed = errors.New("workspace provisioning failed")

	// ErrTransferPreconditionFailed is returned when a claim targets a
	// session, slot, or workspace that is not a leased in-pool guest.
	ErrTransferPreconditionFailed = errors.New("transfer precondition failed")

	// ErrIdentityNotFound means the requested identity does not exist.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrWorkspaceNotFound means the identity owns no workspace.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrLeaseNotFound means no slot allocation matches the token.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrSlotUnavailable is returned by the registry when a slot is held by
	// a live lease or a restock, or has no guest.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrSlotNeedsRestock is returned by the registry when a slot is idle
	// but its workspace is not provisioned, including a slot whose expired
	// lease the claim just retired. It can be claimed once restocked.
	ErrSlotNeedsRestock = errors.New("slot needs restock")

	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrRegistryNotReady means the slot registry schema is not installed.
	ErrRegistryNotReady = errors.New("slot registry not ready")
)

// SlotError wraps an underlying error with slot context.
type SlotError struct {
	Slot int
	Op   string
	Err  error
}

func (e *SlotError) Error() string {
	if e.Slot > 0 {
		return fmt.Sprintf("slot %d: %s: %v", e.Slot, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}
