package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirTemplate is a [TemplateStore] that copies a directory tree. An empty
// Source yields an empty workspace.
type DirTemplate struct {
	Source string
}

// Provision copies the template tree into root.
func (t DirTemplate) Provision(ctx context.Context, root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if t.Source == "" {
		return nil
	}
	info, err := os.Stat(t.Source)
	if err != nil {
		return fmt.Errorf("template source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template source %s is not a directory", t.Source)
	}
	return copyTree(ctx, t.Source, root, false)
}

// copyTree copies src into dst, preserving modes and symlinks. Unless
// keepMarker is set the marker file is skipped, so a template cannot
// pre-mark a workspace.
func copyTree(ctx context.Context, src, dst string, keepMarker bool) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if !keepMarker && d.Name() == MarkerName && !d.IsDir() {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
