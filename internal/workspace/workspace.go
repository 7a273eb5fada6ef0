// Package workspace provisions, resets, and relocates the on-disk content
// roots owned by guest and registered identities.
//
// Layout under the configured root:
//
//	guests/<username>                   in-pool guest workspaces
//	users/<username>/<workspace id>     workspaces claimed on signup
//
// A workspace counts as provisioned only once its marker file exists. The
// marker is written last, inside a staging directory that is then renamed
// into place, so partially copied content is never reported as usable.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/koltyakov/guestpool/internal/domain"
)

// MarkerName is the file that flags a workspace as fully provisioned.
const MarkerName = ".guestpool"

// TemplateStore writes default content into a fresh workspace root.
type TemplateStore interface {
	Provision(ctx context.Context, root string) error
}

// Manager owns the workspace tree rooted at one directory.
type Manager struct {
	root     string
	template TemplateStore
}

// NewManager returns a Manager for root. A nil template provisions empty
// workspaces.
func NewManager(root string, template TemplateStore) *Manager {
	if template == nil {
		template = DirTemplate{}
	}
	return &Manager{root: filepath.Clean(root), template: template}
}

// Root returns the workspace tree root.
func (m *Manager) Root() string { return m.root }

// GuestPath returns where ident's in-pool workspace lives.
func (m *Manager) GuestPath(ident domain.Identity) string {
	return filepath.Join(m.root, "guests", safeSegment(ident.Username))
}

// UserPath returns where a workspace claimed by ident is stored.
func (m *Manager) UserPath(ident domain.Identity, workspaceID string) string {
	return filepath.Join(m.root, "users", safeSegment(ident.Username), safeSegment(workspaceID))
}

// Provisioned reports whether path holds a complete workspace.
func (m *Manager) Provisioned(path string) bool {
	info, err := os.Stat(filepath.Join(path, MarkerName))
	return err == nil && info.Mode().IsRegular()
}

// Ensure provisions ident's guest workspace unless it is already complete.
// An existing tree that only lost its marker belongs to a visitor; it is
// marked again, never wiped.
func (m *Manager) Ensure(ctx context.Context, ident domain.Identity) (string, error) {
	path := m.GuestPath(ident)
	if m.Provisioned(path) {
		return path, nil
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		if err := writeMarker(path); err != nil {
			return path, fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
		}
		return path, nil
	}
	return path, m.provision(ctx, path)
}

// Reset wipes ident's guest workspace and provisions fresh template content.
func (m *Manager) Reset(ctx context.Context, ident domain.Identity) (string, error) {
	path := m.GuestPath(ident)
	return path, m.provision(ctx, path)
}

func (m *Manager) provision(ctx context.Context, path string) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("%w: create parent: %v", domain.ErrProvisioningFailed, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(path)+".staging-")
	if err != nil {
		return fmt.Errorf("%w: create staging dir: %v", domain.ErrProvisioningFailed, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := m.template.Provision(ctx, staging); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}
	if err := writeMarker(staging); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: wipe %s: %v", domain.ErrProvisioningFailed, path, err)
	}
	if err := os.Rename(staging, path); err != nil {
		return fmt.Errorf("%w: swap in %s: %v", domain.ErrProvisioningFailed, path, err)
	}
	committed = true
	return nil
}

func writeMarker(root string) error {
	if err := os.WriteFile(filepath.Join(root, MarkerName), nil, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// ErrDestinationExists is returned by Move when dst is already present.
var ErrDestinationExists = errors.New("destination already exists")

// Move relocates a workspace tree from src to dst. It never overwrites dst.
// Renames across filesystems fall back to copy then remove.
func (m *Manager) Move(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("move %s: %w", dst, ErrDestinationExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("move source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	return moveByCopy(src, dst)
}

// moveByCopy copies the whole tree, marker included, then removes src.
func moveByCopy(src, dst string) error {
	if err := copyTree(context.Background(), src, dst, true); err != nil {
		_ = os.RemoveAll(dst)
		return fmt.Errorf("copy across devices: %w", err)
	}
	return os.RemoveAll(src)
}

// safeSegment maps s to a single path element.
func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
