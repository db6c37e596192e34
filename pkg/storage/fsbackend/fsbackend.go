// Package fsbackend implements the filesystem storage backend (C10):
// one file per entry, path encoding the DN, atomic temp-file+rename
// writes, and a single process-wide reader/writer lock serializing all
// access. Grounded on back-ldif/ldif.c's ldif_write_entry (mkstemp,
// write, fsync, rename, unlink-on-failure) and dn2path/get_parent_path
// for the on-disk layout.
package fsbackend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rcastellor/dirstore/pkg/changelog"
	"github.com/rcastellor/dirstore/pkg/direrrors"
	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/log"
	"github.com/rcastellor/dirstore/pkg/metrics"
	"github.com/rcastellor/dirstore/pkg/opctx"
	"github.com/rcastellor/dirstore/pkg/storage"
)

const ldifSuffix = ".ldif"

// Backend is the filesystem storage backend rooted at a base
// directory. The directory hierarchy mirrors the DN hierarchy one
// level at a time: the entry at DN d lives at dn.ToPath(base,d)+".ldif",
// and if d has children they live under the directory
// dn.ToPath(base,d) (without the suffix).
type Backend struct {
	base   string
	suffix dn.DN

	// mu is the single reader/writer lock spec.md §4.9 calls for:
	// "a single process-wide reader-writer lock serializes all
	// operations (writers exclusive, readers shared)". No
	// finer-grained locking is attempted.
	mu sync.RWMutex

	changeLog *changelog.Writer
}

// Open opens (creating if necessary) a filesystem backend rooted at
// base. suffix is the one DN treated as the naming context's root: it
// may be added with no existing parent entry, however many RDNs it
// carries.
func Open(base string, suffix dn.DN) (*Backend, error) {
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, fmt.Errorf("fsbackend: creating base %q: %w", base, err)
	}
	return &Backend{base: base, suffix: suffix}, nil
}

// SetChangeLog attaches a change log writer: once set, every
// successful Add/Modify/ModRDN/Delete appends a record after the
// entry file write completes, mirroring ldif.c's post-write replog
// call.
func (b *Backend) SetChangeLog(w *changelog.Writer) {
	b.changeLog = w
}

func (b *Backend) logChange(r changelog.Record) {
	if b.changeLog == nil {
		return
	}
	if err := b.changeLog.Append(r); err != nil {
		log.WithComponent("fsbackend").Error().Err(err).Str("op", string(r.Type)).Str("dn", r.DN.String()).Msg("change log append failed")
	}
}

func (b *Backend) Close() error { return nil }

func (b *Backend) entryPath(name dn.DN) string {
	return dn.ToPath(b.base, name) + ldifSuffix
}

func (b *Backend) dirPath(name dn.DN) string {
	return dn.ToPath(b.base, name)
}

// statEntry reports whether the entry file at path exists, treating
// any error other than "not found" as a fatal backend fault.
func statEntry(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, direrrors.Other("fsbackend: stat %q", err, path)
}

// Add writes a new entry file, creating the parent's children
// directory on demand when this is the parent's first child.
func (b *Backend) Add(ctx context.Context, op *opctx.OpContext, e *entry.Entry) error {
	if op == nil {
		op = opctx.Default("")
	}
	opctx.AnnotateOperationalAttributes(e)
	if err := op.Schema.CheckEntry(e); err != nil {
		return err
	}
	timer := metrics.NewTimer()
	outcome := "committed"
	defer func() {
		timer.ObserveDurationVec(metrics.WriteDuration, "add")
		metrics.WritesTotal.WithLabelValues("add", outcome).Inc()
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	target := e.DN
	path := b.entryPath(target)
	exists, err := statEntry(path)
	if err != nil {
		outcome = "aborted"
		return err
	}
	if exists {
		outcome = "aborted"
		return direrrors.ErrAlreadyExists
	}

	// parentDir always follows target's full RDN depth, even for the
	// suffix itself: a multi-RDN suffix like "dc=example,dc=com" still
	// lives two directory levels under base, one per RDN. Only the
	// existence check on the parent entry is skipped for the suffix,
	// since its own ancestors (here "dc=com") are never required to be
	// stored entries.
	parent := target.Parent()
	parentDir := b.dirPath(parent)
	if !target.Equal(b.suffix) {
		parentExists, err := statEntry(b.entryPath(parent))
		if err != nil {
			outcome = "aborted"
			return err
		}
		if !parentExists {
			outcome = "aborted"
			return direrrors.ErrNoSuchObject
		}
	}

	if err := op.Access.AllowWrite(op, e); err != nil {
		outcome = "aborted"
		return err
	}
	if err := os.MkdirAll(parentDir, 0o750); err != nil {
		outcome = "aborted"
		return direrrors.Other("fsbackend: creating parent dir %q", err, parentDir)
	}
	if err := writeEntryAtomic(path, parentDir, e, target.RDN()); err != nil {
		outcome = "aborted"
		return err
	}
	log.WithOperation("add").Debug().Str("dn", target.String()).Msg("entry written")
	b.logChange(changelog.Record{Type: changelog.ChangeAdd, DN: target, AddEntry: e})
	return nil
}

// Delete removes a leaf entry's file, rejecting entries that still
// have children, per ldif.c's rmdir-before-unlink ordering.
func (b *Backend) Delete(ctx context.Context, op *opctx.OpContext, target dn.DN) error {
	if op == nil {
		op = opctx.Default("")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.entryPath(target)
	e, err := readEntryFile(path, target)
	if err != nil {
		return err
	}
	if err := op.Access.AllowWrite(op, e); err != nil {
		return err
	}

	dirp := b.dirPath(target)
	children, err := readLDIFNames(dirp)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return direrrors.ErrNotAllowedOnNonLeaf
	}
	if err := os.Remove(dirp); err != nil && !os.IsNotExist(err) {
		return direrrors.Other("fsbackend: removing children dir %q", err, dirp)
	}
	if err := os.Remove(path); err != nil {
		return direrrors.Other("fsbackend: removing entry file %q", err, path)
	}
	b.logChange(changelog.Record{Type: changelog.ChangeDelete, DN: target})
	return nil
}

// Modify loads, clones, applies mods, and rewrites the entry file in
// place (a fresh temp-file+rename, not an in-place edit).
func (b *Backend) Modify(ctx context.Context, op *opctx.OpContext, target dn.DN, mods []storage.Modification) error {
	if op == nil {
		op = opctx.Default("")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.entryPath(target)
	before, err := readEntryFile(path, target)
	if err != nil {
		return err
	}
	if err := op.Access.AllowWrite(op, before); err != nil {
		return err
	}
	after := storage.CloneEntry(before)
	if err := storage.ApplyModifications(after, mods); err != nil {
		return err
	}
	if err := op.Schema.CheckEntry(after); err != nil {
		return err
	}
	parentDir := filepath.Dir(path)
	if err := writeEntryAtomic(path, parentDir, after, target.RDN()); err != nil {
		return err
	}
	b.logChange(changelog.Record{Type: changelog.ChangeModify, DN: target, ModifyLines: storage.RenderModifyLines(mods)})
	return nil
}

// ModRDN renames an entry's file and, if it has children, its
// children directory: the directory move happens before the old
// entry file is unlinked so the subtree is always reachable from some
// .ldif file, per spec.md §4.9's rename ordering.
func (b *Backend) ModRDN(ctx context.Context, op *opctx.OpContext, target dn.DN, newRDN dn.RDN, deleteOldRDN bool, newSuperior dn.DN) error {
	if op == nil {
		op = opctx.Default("")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	oldPath := b.entryPath(target)
	before, err := readEntryFile(oldPath, target)
	if err != nil {
		return err
	}
	if err := op.Access.AllowWrite(op, before); err != nil {
		return err
	}

	superior := target.Parent()
	if newSuperior != nil {
		superior = newSuperior
	}
	newDN := append(dn.DN{newRDN}, superior...)
	newPath := b.entryPath(newDN)
	if exists, err := statEntry(newPath); err != nil {
		return err
	} else if exists {
		return direrrors.ErrAlreadyExists
	}

	renamed := storage.CloneEntry(before)
	storage.ApplyRDNToEntry(renamed, newRDN, target.RDN(), deleteOldRDN)
	if err := op.Schema.CheckEntry(renamed); err != nil {
		return err
	}

	newParentDir := b.dirPath(superior)
	if err := os.MkdirAll(newParentDir, 0o750); err != nil {
		return direrrors.Other("fsbackend: creating new parent dir %q", err, newParentDir)
	}
	if err := writeEntryAtomic(newPath, newParentDir, renamed, newRDN); err != nil {
		return err
	}

	oldDir := b.dirPath(target)
	newDir := b.dirPath(newDN)
	movedDir := false
	if _, statErr := os.Stat(oldDir); statErr == nil {
		if err := os.Rename(oldDir, newDir); err != nil {
			os.Remove(newPath)
			return direrrors.Other("fsbackend: moving children dir %q to %q", err, oldDir, newDir)
		}
		movedDir = true
	}

	if err := os.Remove(oldPath); err != nil {
		if movedDir {
			// Best effort: restore the old layout so the subtree
			// stays reachable, mirroring ldif.c's rename-back on
			// failure after the directory move.
			_ = os.Rename(newDir, oldDir)
		}
		os.Remove(newPath)
		return direrrors.Other("fsbackend: removing old entry file %q", err, oldPath)
	}
	newSuperiorStr := ""
	if newSuperior != nil {
		newSuperiorStr = newSuperior.String()
	}
	b.logChange(changelog.Record{
		Type:         changelog.ChangeModRDN,
		DN:           target,
		NewRDN:       newRDN.String(),
		DeleteOldRDN: deleteOldRDN,
		NewSuperior:  newSuperiorStr,
	})
	return nil
}

// Get reads the entry at target. If the exact entry is missing, it
// walks up the DN looking for a referral ancestor before reporting
// NoSuchObject, per spec.md §4.9's referral-on-lookup rule.
func (b *Backend) Get(ctx context.Context, target dn.DN) (*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	path := b.entryPath(target)
	exists, err := statEntry(path)
	if err != nil {
		return nil, err
	}
	if exists {
		return readEntryFile(path, target)
	}
	if ref, err := b.findReferralAncestor(target); err != nil {
		return nil, err
	} else if ref != nil {
		return nil, ref
	}
	return nil, direrrors.ErrNoSuchObject
}

func (b *Backend) findReferralAncestor(target dn.DN) (*direrrors.ReferralError, error) {
	for anc := target.Parent(); !anc.IsEmpty(); anc = anc.Parent() {
		ancPath := b.entryPath(anc)
		exists, err := statEntry(ancPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		e, err := readEntryFile(ancPath, anc)
		if err != nil {
			return nil, err
		}
		if e.Flags.Has(entry.FlagReferral) {
			urls, _ := e.Get("ref")
			return &direrrors.ReferralError{Matched: anc.String(), URLs: urls}, nil
		}
	}
	return nil, nil
}

// Bind loads the entry and delegates credential comparison to the
// configured CredentialChecker.
func (b *Backend) Bind(ctx context.Context, op *opctx.OpContext, target dn.DN, credential []byte) error {
	if op == nil {
		op = opctx.Default("")
	}
	e, err := b.Get(ctx, target)
	if err != nil {
		return err
	}
	stored, ok := e.Get("userPassword")
	if !ok || len(stored) == 0 {
		return direrrors.ErrInvalidCredentials
	}
	return op.Cred.Check([]byte(stored[0]), credential)
}

// Search walks the directory tree rooted at base, invoking visit for
// each matching entry in the order spec.md §4.9 prescribes: onelevel
// descends one step then switches to base; subtree recurses
// depth-first.
func (b *Backend) Search(ctx context.Context, base dn.DN, scope storage.Scope, visit storage.VisitFunc) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	basePath := b.entryPath(base)
	exists, err := statEntry(basePath)
	if err != nil {
		return err
	}
	if !exists {
		return direrrors.ErrNoSuchObject
	}

	switch scope {
	case storage.ScopeBase:
		e, err := readEntryFile(basePath, base)
		if err != nil {
			return err
		}
		return visitOne(visit, e)
	case storage.ScopeOneLevel:
		names, err := readLDIFNames(b.dirPath(base))
		if err != nil {
			return err
		}
		for _, seg := range names {
			childDN, err := childDNFromSegment(base, seg)
			if err != nil {
				return err
			}
			e, err := readEntryFile(b.entryPath(childDN), childDN)
			if err != nil {
				return err
			}
			if err := visitOne(visit, e); err != nil {
				if err == direrrors.ErrStopWalk {
					return nil
				}
				return err
			}
		}
		return nil
	default: // ScopeSubtree
		err := b.walkSubtree(base, visit)
		if err == direrrors.ErrStopWalk {
			return nil
		}
		return err
	}
}

func (b *Backend) walkSubtree(base dn.DN, visit storage.VisitFunc) error {
	e, err := readEntryFile(b.entryPath(base), base)
	if err != nil {
		return err
	}
	if err := visitOne(visit, e); err != nil {
		return err
	}
	names, err := readLDIFNames(b.dirPath(base))
	if err != nil {
		return err
	}
	for _, seg := range names {
		childDN, err := childDNFromSegment(base, seg)
		if err != nil {
			return err
		}
		if err := b.walkSubtree(childDN, visit); err != nil {
			return err
		}
	}
	return nil
}

func visitOne(visit storage.VisitFunc, e *entry.Entry) error {
	if e == nil {
		return direrrors.ErrBackendCorrupt
	}
	return visit(e)
}

// readLDIFNames lists the *.ldif entry names in dir (without their
// suffix), sorted lexically, ignoring ENOENT for a childless parent
// whose directory was never created.
func readLDIFNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, direrrors.Other("fsbackend: reading directory %q", err, dir)
	}
	var names []string
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasSuffix(name, ldifSuffix) {
			names = append(names, strings.TrimSuffix(name, ldifSuffix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// childDNFromSegment builds a child's full DN from its parent DN and
// the entry-file name (without ".ldif") found in the parent's
// children directory.
func childDNFromSegment(parent dn.DN, seg string) (dn.DN, error) {
	rdn, err := dn.ParseSegment(seg)
	if err != nil {
		return nil, err
	}
	child := make(dn.DN, 0, len(parent)+1)
	child = append(child, rdn)
	child = append(child, parent...)
	return child, nil
}
