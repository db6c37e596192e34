package fsbackend

import (
	"os"

	"github.com/rcastellor/dirstore/pkg/direrrors"
	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
)

// writeEntryAtomic writes e to path via the mkstemp/write/fsync/close/
// rename sequence ldif_write_entry uses, so a crash mid-write never
// leaves a torn entry file in place. Only the RDN form of e's DN is
// serialized: the full DN is reconstructed on read from the file's
// path, so renaming a subtree never requires rewriting every
// descendant's stored DN.
func writeEntryAtomic(path, dir string, e *entry.Entry, rdn dn.RDN) error {
	tmp, err := os.CreateTemp(dir, "*.ldif.tmp")
	if err != nil {
		return direrrors.Other("fsbackend: creating temp file in %q", err, dir)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	rdnOnly := &entry.Entry{DN: dn.DN{rdn}, Attributes: e.Attributes, Flags: e.Flags}
	if _, err := tmp.Write(entry.Marshal(rdnOnly)); err != nil {
		tmp.Close()
		cleanup()
		return direrrors.Other("fsbackend: writing %q", err, tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return direrrors.Other("fsbackend: fsync %q", err, tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return direrrors.Other("fsbackend: closing %q", err, tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return direrrors.Other("fsbackend: renaming %q to %q", err, tmpName, path)
	}
	return nil
}

// readEntryFile reads the entry at path and reattaches its full DN,
// which the file itself does not carry (only the RDN is stored).
func readEntryFile(path string, fullDN dn.DN) (*entry.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, direrrors.ErrNoSuchObject
		}
		return nil, direrrors.Other("fsbackend: reading %q", err, path)
	}
	e, err := entry.Unmarshal(data)
	if err != nil {
		return nil, direrrors.Other("fsbackend: parsing %q", err, path)
	}
	e.DN = fullDN
	return e, nil
}
