package kv

import (
	"fmt"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	bolt "go.etcd.io/bbolt"
)

// ToolCursor implements storage.ToolMode for the KV backend: First/
// Next walk id2entry directly under one long-lived read transaction,
// bypassing the entry cache, the attribute indexes, and the
// deadlock-retry loop entirely — the same trade slapcat/slapadd make.
// Get and Put each run their own short transaction.
type ToolCursor struct {
	store *Store
	rtx   *Tx
	cur   *bolt.Cursor
}

// OpenToolMode returns a ToolCursor over s. Open must be called before
// First/Next, and Close when the caller is done.
func (s *Store) OpenToolMode() *ToolCursor {
	return &ToolCursor{store: s}
}

func (c *ToolCursor) Open() error {
	tx, err := c.store.env.Begin(false)
	if err != nil {
		return fmt.Errorf("kv: tool-mode: %w", err)
	}
	c.rtx = tx
	c.cur = tx.btx.Bucket(bucketID2Entry).Cursor()
	return nil
}

func (c *ToolCursor) Close() error {
	if c.rtx == nil {
		return nil
	}
	return c.rtx.Abort()
}

// First and Next walk id2entry in ascending ID order (bbolt keeps a
// bucket's keys sorted), which is also ID-allocation order.
func (c *ToolCursor) First() (*entry.Entry, bool, error) {
	return decodeCursorEntry(c.cur.First())
}

func (c *ToolCursor) Next() (*entry.Entry, bool, error) {
	return decodeCursorEntry(c.cur.Next())
}

func decodeCursorEntry(k, v []byte) (*entry.Entry, bool, error) {
	if k == nil {
		return nil, false, nil
	}
	e, err := entry.Unmarshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("kv: tool-mode: decoding entry %x: %w", k, err)
	}
	return e, true, nil
}

// Get reads the entry at name directly by its dn2id/id2entry lookup,
// without touching the cache.
func (c *ToolCursor) Get(name dn.DN) (*entry.Entry, error) {
	tx, err := c.store.env.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("kv: tool-mode: %w", err)
	}
	defer tx.Abort()
	id, ok := dn2idGet(tx, name)
	if !ok {
		return nil, fmt.Errorf("kv: tool-mode: %q not found", name.String())
	}
	return id2entryGet(tx, id)
}

// Put writes e directly into dn2id/id2entry, allocating a fresh ID if
// e's DN is not already known. It does not update id2children, the
// attribute indexes, or the cache: a bulk load is expected to follow
// up with an index rebuild, matching slapadd's offline-load contract.
func (c *ToolCursor) Put(e *entry.Entry) error {
	id, existed, err := c.lookupID(e.DN)
	if err != nil {
		return err
	}
	if !existed {
		id, err = c.store.env.NextID()
		if err != nil {
			return err
		}
	}

	tx, err := c.store.env.Begin(true)
	if err != nil {
		return fmt.Errorf("kv: tool-mode: %w", err)
	}
	if !existed {
		if err := dn2idPut(tx, e.DN, id); err != nil {
			tx.Abort()
			return err
		}
	}
	if err := id2entryPut(tx, id, e); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

func (c *ToolCursor) lookupID(name dn.DN) (uint32, bool, error) {
	tx, err := c.store.env.Begin(false)
	if err != nil {
		return 0, false, fmt.Errorf("kv: tool-mode: %w", err)
	}
	defer tx.Abort()
	id, ok := dn2idGet(tx, name)
	return id, ok, nil
}
