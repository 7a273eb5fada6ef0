package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/session"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

// Allocation modes reported by [Strategy.Mode].
const (
	ModeSlotted  = "slotted"
	ModeDegraded = "degraded"
)

const (
	DefaultSize          = 4
	DefaultLeaseDuration = time.Hour
	defaultMirrorTimeout = 3 * time.Second
)

// Username prefixes owned by the pool. Registered accounts may not use them.
const (
	guestUsernamePrefix   = "guest-"
	visitorUsernamePrefix = "visitor-"
)

// Strategy is the allocation surface the host layer calls on each request.
type Strategy interface {
	Mode() string

	// Allocate returns the identity and workspace for sess, reusing a valid
	// lease already recorded on it. It returns [domain.ErrPoolExhausted] when
	// no slot is free.
	Allocate(ctx context.Context, sess session.Session) (domain.Lease, error)

	// Deallocate gives up the session's lease early. Calling it again, or on
	// a session without a lease, does nothing.
	Deallocate(ctx context.Context, sess session.Session) error

	// ClaimOnSignup moves the session's leased workspace to newIdentity for
	// good. ok is false, with no mutation, when the session holds nothing
	// that can be claimed.
	ClaimOnSignup(ctx context.Context, sess session.Session, newIdentity domain.Identity) (ws domain.Workspace, ok bool, err error)

	Status(ctx context.Context) (domain.PoolStatus, error)
}

// Options configures the pool components.
type Options struct {
	Size          int
	LeaseDuration time.Duration
	MirrorTimeout time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = defaultMirrorTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Select checks the store once and returns the slotted strategy when the
// slot registry is installed, or the degraded fallback otherwise.
func Select(ctx context.Context, store *sqlite.Store, ws *workspace.Manager, opts Options) (Strategy, error) {
	opts = opts.withDefaults()
	ready, err := store.SlotRegistryReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("check slot registry: %w", err)
	}
	if !ready {
		opts.Logger.Warn("slot registry not installed, guests are allocated per session without a cap",
			"mode", ModeDegraded)
		return NewDegraded(store, ws, opts), nil
	}
	return NewSlotted(store, ws, opts), nil
}

// GuestUsername returns the username of the pooled guest bound to slot.
func GuestUsername(slot int) string {
	return fmt.Sprintf("%s%03d", guestUsernamePrefix, slot)
}

// ReservedUsername reports whether name belongs to the pool's own guests.
func ReservedUsername(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.HasPrefix(name, guestUsernamePrefix) || strings.HasPrefix(name, visitorUsernamePrefix)
}
