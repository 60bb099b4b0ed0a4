package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// Documents materializes document blob references into local files the
// browser can attach to upload inputs. Fetched documents are cached per
// reference for the lifetime of the process.
type Documents struct {
	blobs apply.BlobStore
	dir   string

	mu    sync.Mutex
	cache map[string]string
}

// NewDocuments creates a Documents cache rooted at dir. An empty dir uses
// the system temp directory.
func NewDocuments(blobs apply.BlobStore, dir string) (*Documents, error) {
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "apply-docs-")
		if err != nil {
			return nil, fmt.Errorf("create document cache dir: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create document cache dir: %w", err)
	}
	return &Documents{
		blobs: blobs,
		dir:   dir,
		cache: make(map[string]string),
	}, nil
}

// Materialize downloads the referenced blob once and returns its local path.
func (d *Documents) Materialize(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("document reference is empty")
	}
	d.mu.Lock()
	if path, ok := d.cache[ref]; ok {
		d.mu.Unlock()
		return path, nil
	}
	d.mu.Unlock()

	data, err := d.blobs.GetObject(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("fetch document %q: %w", ref, err)
	}
	file, err := os.CreateTemp(d.dir, "doc-*"+filepath.Ext(ref))
	if err != nil {
		return "", fmt.Errorf("create document file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write document file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close document file: %w", err)
	}

	d.mu.Lock()
	d.cache[ref] = file.Name()
	d.mu.Unlock()
	return file.Name(), nil
}
