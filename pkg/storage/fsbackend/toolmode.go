package fsbackend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
)

// ToolCursor implements storage.ToolMode for the filesystem backend:
// Open snapshots every ".ldif" path under the base directory, sorted,
// and First/Next walk that snapshot in order. Get and Put each act on
// a single entry file directly, bypassing the backend's
// reader/writer lock — the filesystem equivalent of the KV backend's
// tool-mode bypass of its cache and indexes.
type ToolCursor struct {
	b     *Backend
	paths []string
	pos   int
}

// OpenToolMode returns a ToolCursor over b. Open must be called before
// First/Next.
func (b *Backend) OpenToolMode() *ToolCursor {
	return &ToolCursor{b: b}
}

func (c *ToolCursor) Open() error {
	var paths []string
	err := filepath.Walk(c.b.base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ldifSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fsbackend: tool-mode: walking %q: %w", c.b.base, err)
	}
	sort.Strings(paths)
	c.paths = paths
	c.pos = -1
	return nil
}

func (c *ToolCursor) Close() error { return nil }

func (c *ToolCursor) First() (*entry.Entry, bool, error) {
	c.pos = 0
	return c.at(c.pos)
}

func (c *ToolCursor) Next() (*entry.Entry, bool, error) {
	c.pos++
	return c.at(c.pos)
}

func (c *ToolCursor) at(i int) (*entry.Entry, bool, error) {
	if i < 0 || i >= len(c.paths) {
		return nil, false, nil
	}
	path := c.paths[i]
	full, err := dn.FromPath(c.b.base, strings.TrimSuffix(path, ldifSuffix))
	if err != nil {
		return nil, false, err
	}
	e, err := readEntryFile(path, full)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Get reads the entry at name directly, bypassing the reader/writer
// lock.
func (c *ToolCursor) Get(name dn.DN) (*entry.Entry, error) {
	return readEntryFile(c.b.entryPath(name), name)
}

// Put writes e's entry file directly, creating its parent directory
// if needed, without touching the backend's lock.
func (c *ToolCursor) Put(e *entry.Entry) error {
	path := c.b.entryPath(e.DN)
	parentDir := filepath.Dir(path)
	if err := os.MkdirAll(parentDir, 0o750); err != nil {
		return fmt.Errorf("fsbackend: tool-mode: creating %q: %w", parentDir, err)
	}
	return writeEntryAtomic(path, parentDir, e, e.DN.RDN())
}
