// Package domain defines the core data types shared across the guest pool
// allocator, its store, and the host layer.
package domain

import "time"

// Identity kind constants distinguish pooled guests from registered accounts.
const (
	IdentityKindGuest        = "guest"
	IdentityKindUser         = "user"
	IdentityKindSessionGuest = "session_guest"
)

// Lease end reasons recorded when a slot allocation row becomes inactive.
const (
	EndReasonReleased  = "released"
	EndReasonExpired   = "expired"
	EndReasonClaimed   = "claimed"
	EndReasonRestocked = "restocked"
)

// RestockSessionKey is the session key recorded on the short-lived rows that
// hold a slot while its guest workspace is rebuilt. Real session keys are
// random tokens and never take this form.
const RestockSessionKey = "~restock"

// Identity is an account that can own a workspace. Pooled guests carry a
// SlotNumber in 1..N; every other kind has SlotNumber 0.
type Identity struct {
	ID           string
	Username     string
	Kind         string
	SlotNumber   int
	PasswordHash string
	CreatedAt    time.Time
}

// IsPooledGuest reports whether the identity is bound to a pool slot.
func (i Identity) IsPooledGuest() bool {
	return i.Kind == IdentityKindGuest && i.SlotNumber > 0
}

// Workspace is the content root owned by one identity.
type Workspace struct {
	ID            string
	OwnerID       string
	Path          string
	ProvisionedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Provisioned reports whether the workspace content is complete and usable.
func (w Workspace) Provisioned() bool {
	return w.ProvisionedAt != nil
}

// SlotAllocation is one lease row in the slot registry. Rows are never
// reactivated once they become inactive.
type SlotAllocation struct {
	ID         string
	SlotNumber int
	SessionKey string
	LeaseToken string
	ExpiresAt  time.Time
	IsActive   bool
	CreatedAt  time.Time
	EndedAt    *time.Time
	EndReason  string
}

// IsRestockHold reports whether the row holds the slot for a workspace
// rebuild rather than for a visitor.
func (a SlotAllocation) IsRestockHold() bool {
	return a.SessionKey == RestockSessionKey
}

// LiveAt reports whether the allocation still holds its slot at now.
func (a SlotAllocation) LiveAt(now time.Time) bool {
	return a.IsActive && now.Before(a.ExpiresAt)
}

// Lease is what an allocation hands back to the host: the guest identity and
// its workspace, plus the registry row when the pool is slotted.
type Lease struct {
	Identity   Identity
	Workspace  Workspace
	Allocation *SlotAllocation
}

// PoolStatus summarizes slot usage. Allocated counts live leases, Expired
// counts active rows past their expiry that have not been swept yet.
type PoolStatus struct {
	Total     int  `json:"total"`
	Allocated int  `json:"allocated"`
	Free      int  `json:"free"`
	Expired   int  `json:"expired"`
	Degraded  bool `json:"degraded,omitempty"`
}
