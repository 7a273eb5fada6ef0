package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

// Sweeper retires leases whose expiry has passed and restocks the slots it
// frees. It holds no state between runs and may run alongside allocations:
// only rows that are still active and expired are touched, so a slot
// re-leased in the meantime is left alone.
type Sweeper struct {
	store     *sqlite.Store
	restocker *restocker
	now       func() time.Time
	log       *slog.Logger
}

func NewSweeper(store *sqlite.Store, ws *workspace.Manager, opts Options) *Sweeper {
	opts = opts.withDefaults()
	return &Sweeper{
		store:     store,
		restocker: newRestocker(store, ws, opts),
		now:       opts.Now,
		log:       opts.Logger,
	}
}

// Run marks expired leases inactive and returns how many it freed. Each
// freed slot is then wiped back to the template; a slot that fails to
// restock is logged and left for the next restock pass.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	slots, err := s.store.ExpireLeases(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(slots) == 0 {
		return 0, nil
	}
	s.log.Info("expired guest leases swept", "count", len(slots), "slots", slots)
	restocked := 0
	for _, slot := range slots {
		if s.restocker.restockSlot(ctx, slot) {
			restocked++
		}
	}
	if restocked < len(slots) {
		s.log.Warn("some swept slots were not restocked", "swept", len(slots), "restocked", restocked)
	}
	return int64(len(slots)), nil
}
