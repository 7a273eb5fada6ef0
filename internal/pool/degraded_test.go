package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/guestpool/internal/domain"
	ilog "github.com/koltyakov/guestpool/internal/log"
	"github.com/koltyakov/guestpool/internal/session"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
	"github.com/koltyakov/guestpool/internal/workspace"
)

func newDegradedFixture(t *testing.T) (*Degraded, *sqlite.Store, *workspace.Manager) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.OpenWithOptions(filepath.Join(dir, "guestpool.db"), sqlite.OpenOptions{MigrateTo: "001_identities.sql"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ws := workspace.NewManager(filepath.Join(dir, "workspaces"), workspace.DirTemplate{Source: writeTemplate(t, dir)})
	s, err := Select(context.Background(), store, ws, Options{Size: 1, Logger: ilog.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	d, ok := s.(*Degraded)
	if !ok {
		t.Fatalf("expected degraded strategy, got %T", s)
	}
	return d, store, ws
}

func TestDegradedAllocatesPerSessionWithoutCap(t *testing.T) {
	d, _, ws := newDegradedFixture(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		lease := mustAllocate(t, d, session.NewMemory("s"+string(rune('a'+i))))
		if lease.Allocation != nil {
			t.Fatal("degraded leases carry no slot allocation")
		}
		if lease.Identity.Kind != domain.IdentityKindSessionGuest || !ReservedUsername(lease.Identity.Username) {
			t.Fatalf("unexpected identity %+v", lease.Identity)
		}
		if !ws.Provisioned(lease.Workspace.Path) {
			t.Fatalf("expected provisioned workspace at %s", lease.Workspace.Path)
		}
		seen[lease.Identity.ID] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct guests, got %d", len(seen))
	}

	status, err := d.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := (domain.PoolStatus{Total: 5, Allocated: 5, Degraded: true}); status != want {
		t.Fatalf("got status %+v, want %+v", status, want)
	}
}

func TestDegradedKeepsWorkspaceThatLostMarker(t *testing.T) {
	d, _, ws := newDegradedFixture(t)
	sess := session.NewMemory("s1")

	lease := mustAllocate(t, d, sess)
	writeFile(t, filepath.Join(lease.Workspace.Path, "work.txt"), "in progress")
	if err := os.Remove(filepath.Join(lease.Workspace.Path, workspace.MarkerName)); err != nil {
		t.Fatal(err)
	}

	again := mustAllocate(t, d, sess)
	if again.Workspace.Path != lease.Workspace.Path {
		t.Fatalf("expected the same workspace, got %s", again.Workspace.Path)
	}
	if got := readFile(t, filepath.Join(again.Workspace.Path, "work.txt")); got != "in progress" {
		t.Fatalf("expected visitor content to survive, got %q", got)
	}
	if !ws.Provisioned(again.Workspace.Path) {
		t.Fatal("expected marker to be restored")
	}
}

func TestDegradedReusesSessionGuest(t *testing.T) {
	d, _, _ := newDegradedFixture(t)
	ctx := context.Background()
	sess := session.NewMemory("s1")

	first := mustAllocate(t, d, sess)
	second := mustAllocate(t, d, sess)
	if first.Identity.ID != second.Identity.ID || first.Workspace.ID != second.Workspace.ID {
		t.Fatalf("expected same guest, got %+v and %+v", first, second)
	}

	if err := d.Deallocate(ctx, sess); err != nil {
		t.Fatal(err)
	}
	commits := sess.Commits()
	if err := d.Deallocate(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if sess.Commits() != commits {
		t.Fatal("expected second deallocate to be a no-op")
	}
	third := mustAllocate(t, d, sess)
	if third.Identity.ID == first.Identity.ID {
		t.Fatal("expected a new guest after deallocate")
	}
}

func TestDegradedClaimReassignsWorkspace(t *testing.T) {
	d, store, ws := newDegradedFixture(t)
	ctx := context.Background()
	alice, err := store.CreateUserIdentity(ctx, "alice", "!x", testNow)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := d.ClaimOnSignup(ctx, session.NewMemory("empty"), alice); ok || err != nil {
		t.Fatalf("expected no claim without a guest, got ok=%v err=%v", ok, err)
	}

	sess := session.NewMemory("s1")
	lease := mustAllocate(t, d, sess)
	if err := os.WriteFile(filepath.Join(lease.Workspace.Path, "notes.txt"), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	claimed, ok, err := d.ClaimOnSignup(ctx, sess, alice)
	if err != nil || !ok {
		t.Fatalf("expected claim, got ok=%v err=%v", ok, err)
	}
	if claimed.OwnerID != alice.ID || claimed.Path != ws.UserPath(alice, lease.Workspace.ID) {
		t.Fatalf("unexpected claimed workspace %+v", claimed)
	}
	if got := readFile(t, filepath.Join(claimed.Path, "notes.txt")); got != "mine" {
		t.Fatalf("expected content to move, got %q", got)
	}
	assertNotExist(t, lease.Workspace.Path)
	if _, ok := sess.Get(session.KeySessionGuestID); ok {
		t.Fatal("expected session guest reference to be cleared")
	}
}
