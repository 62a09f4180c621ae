// Package fsys is the filesystem abstraction workspaces, locks and datasets
// are written through. Local disk and S3-compatible object stores share one
// interface so a run can target either.
package fsys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Kind names a filesystem implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindObject Kind = "s3"
)

var (
	ErrNotExist = fs.ErrNotExist
	ErrExist    = fs.ErrExist
)

// FileInfo describes one file or directory entry.
type FileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FS is the set of operations the pipeline needs from storage. Paths are in
// the implementation's native form; build them with Join.
type FS interface {
	Kind() Kind
	Join(elem ...string) string
	Stat(ctx context.Context, path string) (FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces path with data, creating parents as needed.
	WriteFile(ctx context.Context, path string, data []byte) error
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Create returns a writer whose content becomes visible at path on Close.
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	// CreateExclusive writes data to path and fails with ErrExist if path
	// already exists.
	CreateExclusive(ctx context.Context, path string, data []byte) error
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
	// List returns the direct children of dir sorted by name.
	List(ctx context.Context, dir string) ([]FileInfo, error)
}

// Location is the serializable form of a place on some filesystem.
type Location struct {
	URI string `yaml:"uri" json:"uri"`
}

// Exists reports whether path exists on fsys.
func Exists(ctx context.Context, fsys FS, path string) (bool, error) {
	_, err := fsys.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Resolve opens the filesystem named by uri and returns it with the root path
// inside it. Plain paths and file:// URIs resolve to the local disk; s3://
// URIs resolve to an object store configured from lookup.
func Resolve(ctx context.Context, uri string, lookup func(string) (string, bool)) (FS, string, error) {
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return nil, "", fmt.Errorf("location uri is empty")
	}
	if !strings.Contains(trimmed, "://") {
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return nil, "", fmt.Errorf("resolve local path %q: %w", trimmed, err)
		}
		return NewLocal(), abs, nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("parse location %q: %w", trimmed, err)
	}
	switch u.Scheme {
	case "file":
		return NewLocal(), filepath.Clean(u.Path), nil
	case "s3":
		cfg, err := ObjectStoreConfigFromLookup(lookup)
		if err != nil {
			return nil, "", fmt.Errorf("object store config: %w", err)
		}
		store, err := NewObjectStore(ctx, cfg, u.Host)
		if err != nil {
			return nil, "", err
		}
		return store, strings.Trim(u.Path, "/"), nil
	default:
		return nil, "", fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
}

// CopyTree copies every file under srcDir on src to dstDir on dst.
func CopyTree(ctx context.Context, src FS, srcDir string, dst FS, dstDir string) (int, error) {
	entries, err := src.List(ctx, srcDir)
	if err != nil {
		return 0, fmt.Errorf("list %q: %w", srcDir, err)
	}
	if err := dst.MkdirAll(ctx, dstDir); err != nil {
		return 0, fmt.Errorf("create %q: %w", dstDir, err)
	}

	copied := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		from := src.Join(srcDir, entry.Name)
		to := dst.Join(dstDir, entry.Name)
		if entry.IsDir {
			n, err := CopyTree(ctx, src, from, dst, to)
			copied += n
			if err != nil {
				return copied, err
			}
			continue
		}
		data, err := src.ReadFile(ctx, from)
		if err != nil {
			return copied, fmt.Errorf("read %q: %w", from, err)
		}
		if err := dst.WriteFile(ctx, to, data); err != nil {
			return copied, fmt.Errorf("write %q: %w", to, err)
		}
		copied++
	}
	return copied, nil
}
