package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSlotErrorMessage(t *testing.T) {
	t.Parallel()

	err := &SlotError{Slot: 3, Op: "reset", Err: ErrProvisioningFailed}
	want := "slot 3: reset: workspace provisioning failed"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSlotErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &SlotError{Slot: 1, Op: "claim", Err: ErrSlotUnavailable}
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatal("expected errors.Is to match ErrSlotUnavailable")
	}
}

func TestSlotErrorWithoutSlot(t *testing.T) {
	t.Parallel()

	err := &SlotError{Op: "allocate", Err: ErrPoolExhausted}
	want := "allocate: guest pool exhausted"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"pool_exhausted", ErrPoolExhausted, "guest pool exhausted"},
		{"invalid_lease", ErrInvalidLease, "invalid lease"},
		{"provisioning", ErrProvisioningFailed, "workspace provisioning failed"},
		{"transfer", ErrTransferPreconditionFailed, "transfer precondition failed"},
		{"slot_unavailable", ErrSlotUnavailable, "slot unavailable"},
		{"registry_not_ready", ErrRegistryNotReady, "slot registry not ready"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSlotAllocationLiveAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := SlotAllocation{IsActive: true, ExpiresAt: now.Add(time.Minute)}
	if !a.LiveAt(now) {
		t.Fatal("expected active unexpired allocation to be live")
	}
	if a.LiveAt(now.Add(time.Minute)) {
		t.Fatal("expected allocation to be dead at its expiry instant")
	}
	a.IsActive = false
	if a.LiveAt(now) {
		t.Fatal("expected inactive allocation to be dead")
	}
}

func TestIdentityIsPooledGuest(t *testing.T) {
	t.Parallel()

	if !(Identity{Kind: IdentityKindGuest, SlotNumber: 2}).IsPooledGuest() {
		t.Fatal("expected slot-bound guest to be pooled")
	}
	if (Identity{Kind: IdentityKindSessionGuest}).IsPooledGuest() {
		t.Fatal("expected session guest not to be pooled")
	}
	if (Identity{Kind: IdentityKindUser, SlotNumber: 1}).IsPooledGuest() {
		t.Fatal("expected user not to be pooled")
	}
}
