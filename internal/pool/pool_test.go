package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/guestpool/internal/domain"
	ilog "github.com/koltyakov/guestpool/internal/log"
	"github.com/koltyakov/guestpool/internal/session"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const templateReadme = "template default\n"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *sqlite.Store
	ws      *workspace.Manager
	clock   *fakeClock
	opts    Options
	slotted *Slotted
	init    *Initializer
}

func writeTemplate(t *testing.T, dir string) string {
	t.Helper()
	tmpl := filepath.Join(dir, "template")
	if err := os.MkdirAll(tmpl, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpl, "README.md"), []byte(templateReadme), 0o644); err != nil {
		t.Fatal(err)
	}
	return tmpl
}

// newFixture opens a file-backed store with the full schema and an
// initialized pool of size slots.
func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "guestpool.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: testNow}
	opts := Options{Size: size, LeaseDuration: time.Hour, Now: clock.Now, Logger: ilog.Discard()}
	ws := workspace.NewManager(filepath.Join(dir, "workspaces"), workspace.DirTemplate{Source: writeTemplate(t, dir)})
	f := &fixture{
		store:   store,
		ws:      ws,
		clock:   clock,
		opts:    opts,
		slotted: NewSlotted(store, ws, opts),
		init:    NewInitializer(store, ws, nil, opts),
	}
	report, err := f.init.EnsurePool(context.Background(), size)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Complete() {
		t.Fatalf("pool not fully provisioned: %+v", report)
	}
	return f
}

func (f *fixture) createUser(t *testing.T, username string) domain.Identity {
	t.Helper()
	ident, err := f.store.CreateUserIdentity(context.Background(), username, "!x", f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	return ident
}

func mustAllocate(t *testing.T, s Strategy, sess session.Session) domain.Lease {
	t.Helper()
	lease, err := s.Allocate(context.Background(), sess)
	if err != nil {
		t.Fatalf("allocate %s: %v", sess.Key(), err)
	}
	return lease
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// visitorRows drops restock holds from a slot's allocation history.
func visitorRows(history []domain.SlotAllocation) []domain.SlotAllocation {
	var out []domain.SlotAllocation
	for _, a := range history {
		if !a.IsRestockHold() {
			out = append(out, a)
		}
	}
	return out
}

// assertFreshWorkspace fails unless path holds exactly the template content.
func assertFreshWorkspace(t *testing.T, path string) {
	t.Helper()
	if got := readFile(t, filepath.Join(path, "README.md")); got != templateReadme {
		t.Fatalf("expected template README in %s, got %q", path, got)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "README.md" && e.Name() != workspace.MarkerName {
			t.Fatalf("unexpected leftover %s in %s", e.Name(), path)
		}
	}
}

func assertNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to be absent, got %v", path, err)
	}
}

func TestConcurrentAllocateFillsPoolOnce(t *testing.T) {
	const size = 4
	f := newFixture(t, size)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots = map[int]string{}
		errs  []error
	)
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := session.NewMemory(fmt.Sprintf("session-%d", i))
			lease, err := f.slotted.Allocate(ctx, sess)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			slot := lease.Allocation.SlotNumber
			if prev, dup := slots[slot]; dup {
				errs = append(errs, fmt.Errorf("slot %d leased to %s and %s", slot, prev, sess.Key()))
				return
			}
			slots[slot] = sess.Key()
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected allocation errors: %v", errs)
	}
	if len(slots) != size {
		t.Fatalf("expected %d distinct slots, got %v", size, slots)
	}
	if _, err := f.slotted.Allocate(ctx, session.NewMemory("late")); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestConcurrentOversubscribedAllocate(t *testing.T) {
	const size = 3
	const callers = 8
	f := newFixture(t, size)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       = map[int]int{}
		exhausted int
		other     []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := f.slotted.Allocate(ctx, session.NewMemory(fmt.Sprintf("s%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won[lease.Allocation.SlotNumber]++
			case errors.Is(err, domain.ErrPoolExhausted):
				exhausted++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if len(won) != size || exhausted != callers-size {
		t.Fatalf("expected %d winners and %d exhausted, got %v and %d", size, callers-size, won, exhausted)
	}
	for slot, n := range won {
		if n != 1 {
			t.Fatalf("slot %d leased %d times", slot, n)
		}
	}
}

func TestAllocateReusesValidLease(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	sess := session.NewMemory("s1")

	first := mustAllocate(t, f.slotted, sess)
	f.clock.Advance(10 * time.Minute)
	second := mustAllocate(t, f.slotted, sess)

	if first.Identity.ID != second.Identity.ID || first.Workspace.ID != second.Workspace.ID {
		t.Fatalf("expected identical lease, got %+v and %+v", first, second)
	}
	if first.Allocation.LeaseToken != second.Allocation.LeaseToken {
		t.Fatal("expected lease token to be reused")
	}
	history, err := f.store.AllocationHistory(ctx, first.Allocation.SlotNumber)
	if err != nil {
		t.Fatal(err)
	}
	if rows := visitorRows(history); len(rows) != 1 {
		t.Fatalf("expected one visitor row, got %d", len(rows))
	}
	if sess.Commits() != 1 {
		t.Fatalf("expected a single session commit, got %d", sess.Commits())
	}
}

func TestExpiredLeaseIsFreeAndGetsNewToken(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	old := mustAllocate(t, f.slotted, session.NewMemory("s1"))
	if _, err := f.slotted.Allocate(ctx, session.NewMemory("s2")); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted while lease is live, got %v", err)
	}

	f.clock.Advance(time.Hour)
	status, err := f.slotted.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.PoolStatus{Total: 1, Allocated: 0, Free: 1, Expired: 1}
	if status != want {
		t.Fatalf("got status %+v, want %+v", status, want)
	}

	fresh := mustAllocate(t, f.slotted, session.NewMemory("s2"))
	if fresh.Allocation.SlotNumber != 1 {
		t.Fatalf("expected slot 1, got %d", fresh.Allocation.SlotNumber)
	}
	if fresh.Allocation.LeaseToken == old.Allocation.LeaseToken {
		t.Fatal("expected a new lease token")
	}
	history, err := f.store.AllocationHistory(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	rows := visitorRows(history)
	if len(rows) != 2 || rows[0].IsActive || rows[0].EndReason != domain.EndReasonExpired || !rows[1].IsActive {
		t.Fatalf("expected expired first row and active second row, got %+v", rows)
	}
}

func TestDeallocatedSlotIsWipedForNextVisitor(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	s1 := session.NewMemory("s1")
	first := mustAllocate(t, f.slotted, s1)
	writeFile(t, filepath.Join(first.Workspace.Path, "secret.txt"), "s1 private")
	writeFile(t, filepath.Join(first.Workspace.Path, "README.md"), "edited by s1")
	if err := f.slotted.Deallocate(ctx, s1); err != nil {
		t.Fatal(err)
	}

	second := mustAllocate(t, f.slotted, session.NewMemory("s2"))
	if second.Allocation.SlotNumber != first.Allocation.SlotNumber {
		t.Fatalf("expected slot %d again, got %d", first.Allocation.SlotNumber, second.Allocation.SlotNumber)
	}
	assertNotExist(t, filepath.Join(second.Workspace.Path, "secret.txt"))
	assertFreshWorkspace(t, second.Workspace.Path)
}

func TestExpiredSlotIsWipedForNextVisitor(t *testing.T) {
	f := newFixture(t, 1)

	first := mustAllocate(t, f.slotted, session.NewMemory("s1"))
	writeFile(t, filepath.Join(first.Workspace.Path, "secret.txt"), "s1 private")
	f.clock.Advance(2 * time.Hour)

	second := mustAllocate(t, f.slotted, session.NewMemory("s2"))
	assertNotExist(t, filepath.Join(second.Workspace.Path, "secret.txt"))
	assertFreshWorkspace(t, second.Workspace.Path)
}

func TestSweptSlotIsWipedForNextVisitor(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	first := mustAllocate(t, f.slotted, session.NewMemory("s1"))
	writeFile(t, filepath.Join(first.Workspace.Path, "secret.txt"), "s1 private")
	f.clock.Advance(2 * time.Hour)

	if freed, err := NewSweeper(f.store, f.ws, f.opts).Run(ctx); err != nil || freed != 1 {
		t.Fatalf("expected one swept lease, got %d %v", freed, err)
	}
	assertNotExist(t, filepath.Join(first.Workspace.Path, "secret.txt"))
	if _, err := f.init.EnsurePool(ctx, 1); err != nil {
		t.Fatal(err)
	}

	second := mustAllocate(t, f.slotted, session.NewMemory("s2"))
	assertNotExist(t, filepath.Join(second.Workspace.Path, "secret.txt"))
	assertFreshWorkspace(t, second.Workspace.Path)
}

func TestReleasedSlotIsRestockedBeforeReuse(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	lease := mustAllocate(t, f.slotted, session.NewMemory("s1"))
	writeFile(t, filepath.Join(lease.Workspace.Path, "secret.txt"), "s1 private")
	released, err := f.store.ReleaseLease(ctx, lease.Allocation.ID, lease.Allocation.LeaseToken, domain.EndReasonReleased, f.clock.Now())
	if err != nil || !released {
		t.Fatalf("expected release, got %v %v", released, err)
	}
	ws, err := f.store.WorkspaceByOwner(ctx, lease.Identity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Provisioned() {
		t.Fatal("expected release to mark the workspace unprovisioned")
	}

	next := mustAllocate(t, f.slotted, session.NewMemory("s2"))
	assertNotExist(t, filepath.Join(next.Workspace.Path, "secret.txt"))
	assertFreshWorkspace(t, next.Workspace.Path)
}

func TestAllocatePrefersStockedSlotOverReclaim(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	held := mustAllocate(t, f.slotted, session.NewMemory("s1"))
	writeFile(t, filepath.Join(held.Workspace.Path, "secret.txt"), "s1 private")
	s2 := session.NewMemory("s2")
	mustAllocate(t, f.slotted, s2)
	if err := f.slotted.Deallocate(ctx, s2); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Hour)

	lease := mustAllocate(t, f.slotted, session.NewMemory("s3"))
	if lease.Allocation.SlotNumber != 2 {
		t.Fatalf("expected the stocked slot 2, got %d", lease.Allocation.SlotNumber)
	}
	row, err := f.store.LeaseByToken(ctx, held.Allocation.LeaseToken)
	if err != nil {
		t.Fatal(err)
	}
	if row.IsActive || row.EndReason != domain.EndReasonExpired {
		t.Fatalf("expected slot 1 lease to be retired, got %+v", row)
	}

	next := mustAllocate(t, f.slotted, session.NewMemory("s4"))
	if next.Allocation.SlotNumber != 1 {
		t.Fatalf("expected slot 1 after restock, got %d", next.Allocation.SlotNumber)
	}
	assertFreshWorkspace(t, next.Workspace.Path)
}

func TestAllocateReplacesInvalidAnnotation(t *testing.T) {
	f := newFixture(t, 2)

	owner := session.NewMemory("owner")
	held := mustAllocate(t, f.slotted, owner)

	tests := []struct {
		name string
		ann  session.LeaseAnnotation
	}{
		{name: "forged token", ann: session.LeaseAnnotation{SlotNumber: 1, IdentityID: held.Identity.ID, LeaseToken: "forged"}},
		{name: "token of another session", ann: session.LeaseAnnotation{SlotNumber: 1, IdentityID: held.Identity.ID, LeaseToken: held.Allocation.LeaseToken}},
		{name: "slot mismatch", ann: session.LeaseAnnotation{SlotNumber: 2, IdentityID: held.Identity.ID, LeaseToken: held.Allocation.LeaseToken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := session.NewMemory("intruder-" + tt.name)
			session.WriteLease(sess, tt.ann)

			lease := mustAllocate(t, f.slotted, sess)
			if lease.Allocation.SlotNumber != 2 {
				t.Fatalf("expected slot 2, got %d", lease.Allocation.SlotNumber)
			}
			ann, ok := session.ReadLease(sess)
			if !ok || ann.LeaseToken != lease.Allocation.LeaseToken {
				t.Fatalf("expected session to carry the new lease, got %+v", ann)
			}
			if err := f.slotted.Deallocate(context.Background(), sess); err != nil {
				t.Fatal(err)
			}
		})
	}

	again := mustAllocate(t, f.slotted, owner)
	if again.Allocation.LeaseToken != held.Allocation.LeaseToken {
		t.Fatal("owner lost its lease to an invalid annotation")
	}
}

func TestExhaustedAllocateStillClearsStaleAnnotation(t *testing.T) {
	f := newFixture(t, 1)
	mustAllocate(t, f.slotted, session.NewMemory("holder"))

	sess := session.NewMemory("stale")
	session.WriteLease(sess, session.LeaseAnnotation{SlotNumber: 1, IdentityID: "g_x", LeaseToken: "gone"})
	if _, err := f.slotted.Allocate(context.Background(), sess); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if _, ok := sess.Get(session.KeyLeaseToken); ok {
		t.Fatal("expected stale token to be cleared")
	}
	if sess.Commits() != 1 {
		t.Fatalf("expected cleared session to be committed, got %d commits", sess.Commits())
	}
}

func TestDeallocateIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := session.NewMemory("s1")
	lease := mustAllocate(t, f.slotted, sess)

	if err := f.slotted.Deallocate(ctx, sess); err != nil {
		t.Fatal(err)
	}
	commits := sess.Commits()
	if err := f.slotted.Deallocate(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if sess.Commits() != commits {
		t.Fatal("expected second deallocate to be a no-op")
	}

	row, err := f.store.LeaseByToken(ctx, lease.Allocation.LeaseToken)
	if err != nil {
		t.Fatal(err)
	}
	if row.IsActive || row.EndReason != domain.EndReasonReleased {
		t.Fatalf("expected released row, got %+v", row)
	}
	status, err := f.slotted.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Allocated != 0 || status.Free != 1 {
		t.Fatalf("expected slot to be free, got %+v", status)
	}
}

func TestDeallocateLeavesOtherSessionsLease(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	owner := session.NewMemory("owner")
	held := mustAllocate(t, f.slotted, owner)

	thief := session.NewMemory("thief")
	session.WriteLease(thief, session.LeaseAnnotation{SlotNumber: 1, IdentityID: held.Identity.ID, LeaseToken: held.Allocation.LeaseToken})
	if err := f.slotted.Deallocate(ctx, thief); err != nil {
		t.Fatal(err)
	}
	row, err := f.store.LeaseByToken(ctx, held.Allocation.LeaseToken)
	if err != nil {
		t.Fatal(err)
	}
	if !row.IsActive {
		t.Fatal("expected owner's lease to stay active")
	}
}

func TestSweeperFreesOnlyExpiredLeases(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sweeper := NewSweeper(f.store, f.ws, f.opts)

	mustAllocate(t, f.slotted, session.NewMemory("s1"))
	mustAllocate(t, f.slotted, session.NewMemory("s2"))
	f.clock.Advance(30 * time.Minute)
	live := mustAllocate(t, f.slotted, session.NewMemory("s3"))
	f.clock.Advance(31 * time.Minute)

	freed, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if freed != 2 {
		t.Fatalf("expected 2 freed leases, got %d", freed)
	}
	status, err := f.slotted.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Allocated != 1 || status.Expired != 0 || status.Free != 2 {
		t.Fatalf("unexpected status after sweep: %+v", status)
	}
	row, err := f.store.LeaseByToken(ctx, live.Allocation.LeaseToken)
	if err != nil {
		t.Fatal(err)
	}
	if !row.IsActive {
		t.Fatal("sweeper retired a live lease")
	}

	if freed, err = sweeper.Run(ctx); err != nil || freed != 0 {
		t.Fatalf("expected idle second sweep, got %d %v", freed, err)
	}
}

func TestSweeperRacesAllocations(t *testing.T) {
	const size = 4
	f := newFixture(t, size)
	ctx := context.Background()
	sweeper := NewSweeper(f.store, f.ws, f.opts)

	for i := 0; i < size; i++ {
		lease := mustAllocate(t, f.slotted, session.NewMemory(fmt.Sprintf("old-%d", i)))
		writeFile(t, filepath.Join(lease.Workspace.Path, "secret.txt"), "old visitor")
	}
	f.clock.Advance(2 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		waiting []*session.Memory
		errs    []error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := sweeper.Run(ctx); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}()
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := session.NewMemory(fmt.Sprintf("new-%d", i))
			lease, err := f.slotted.Allocate(ctx, sess)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if _, statErr := os.Stat(filepath.Join(lease.Workspace.Path, "secret.txt")); !errors.Is(statErr, os.ErrNotExist) {
					errs = append(errs, fmt.Errorf("slot %d handed out with old content", lease.Allocation.SlotNumber))
				}
			case errors.Is(err, domain.ErrPoolExhausted):
				// The sweeper had the slot out of circulation for its rebuild.
				waiting = append(waiting, sess)
			default:
				errs = append(errs, err)
			}
		}(i)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	if _, err := f.init.EnsurePool(ctx, size); err != nil {
		t.Fatal(err)
	}
	for _, sess := range waiting {
		lease := mustAllocate(t, f.slotted, sess)
		assertFreshWorkspace(t, lease.Workspace.Path)
	}
	status, err := f.slotted.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Allocated != size || status.Expired != 0 {
		t.Fatalf("expected every new visitor to hold a lease, got %+v", status)
	}
}

func TestSelectPicksStrategyFromSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ws := workspace.NewManager(filepath.Join(dir, "workspaces"), nil)
	opts := Options{Logger: ilog.Discard()}

	full, err := sqlite.Open(filepath.Join(dir, "full.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer full.Close()
	s, err := Select(ctx, full, ws, opts)
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode() != ModeSlotted {
		t.Fatalf("expected slotted, got %s", s.Mode())
	}

	partial, err := sqlite.OpenWithOptions(filepath.Join(dir, "partial.db"), sqlite.OpenOptions{MigrateTo: "001_identities.sql"})
	if err != nil {
		t.Fatal(err)
	}
	defer partial.Close()
	s, err = Select(ctx, partial, ws, opts)
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode() != ModeDegraded {
		t.Fatalf("expected degraded, got %s", s.Mode())
	}
}

func TestReservedUsername(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"guest-001":      true,
		" Guest-7":       true,
		"visitor-abc":    true,
		"alice":          false,
		"guesthouse":     false,
		"the-guest-list": false,
	} {
		if got := ReservedUsername(name); got != want {
			t.Errorf("ReservedUsername(%q) = %v, want %v", name, got, want)
		}
	}
	if GuestUsername(7) != "guest-007" {
		t.Fatalf("unexpected guest username %q", GuestUsername(7))
	}
}
