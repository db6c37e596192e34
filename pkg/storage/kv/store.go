package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/rcastellor/dirstore/pkg/changelog"
	"github.com/rcastellor/dirstore/pkg/direrrors"
	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/log"
	"github.com/rcastellor/dirstore/pkg/metrics"
	"github.com/rcastellor/dirstore/pkg/opctx"
	"github.com/rcastellor/dirstore/pkg/storage"
	"github.com/rcastellor/dirstore/pkg/storage/kv/cache"
)

// rootID is the sentinel parent ID of the suffix entry itself: the
// suffix has no stored parent, so its id2children edge is recorded
// against this reserved ID instead of a real allocated one.
const rootID uint32 = 0

// Store is the transactional embedded-KV backend (storage.Backend):
// the write orchestrator (C9) layered over the Env's ID allocator
// (C3), transaction substrate (C4), indexes (C5/C6/C7), and an entry
// cache (C8).
type Store struct {
	env        *Env
	cache      *cache.Cache
	maxRetries int
	suffix     dn.DN
	changeLog  *changelog.Writer
}

// Open opens a Store at path, rooted at suffix: the one DN that is
// treated as the naming context's root (no stored parent) rather than
// requiring a pre-existing dn2id entry for its parent. maxRetries
// bounds the deadlock-retry loop; 0 means unbounded, per spec.md §9's
// resolved Open Question.
func Open(path string, suffix dn.DN, indexed IndexedAttrs, cacheSize, maxRetries int) (*Store, error) {
	env, err := OpenEnv(path, indexed)
	if err != nil {
		return nil, err
	}
	return &Store{env: env, cache: cache.New(cacheSize), maxRetries: maxRetries, suffix: suffix}, nil
}

// SetChangeLog attaches a change log writer: once set, every
// successfully committed Add/Modify/ModRDN/Delete appends a record
// after its transaction commits, mirroring back-bdb's bdb_txn_post
// hook into repl.c's replog.
func (s *Store) SetChangeLog(w *changelog.Writer) {
	s.changeLog = w
}

func (s *Store) logChange(r changelog.Record) {
	if s.changeLog == nil {
		return
	}
	if err := s.changeLog.Append(r); err != nil {
		log.WithComponent("kv").Error().Err(err).Str("op", string(r.Type)).Str("dn", r.DN.String()).Msg("change log append failed")
	}
}

// Env exposes the underlying Env. This package's tests use it to reach
// InjectDeadlock; cmd/dirstore-tool opens its own Env via OpenToolMode.
func (s *Store) Env() *Env { return s.env }

func (s *Store) Close() error {
	return s.env.Close()
}

// withRetry runs fn inside a fresh top-level transaction, retrying on
// a retryable (deadlock) error with exponential backoff up to
// s.maxRetries times after the first attempt (0 = unbounded). fn must
// not retain tx beyond
// its call.
func (s *Store) withRetry(ctx context.Context, opName string, fn func(tx *Tx) error) error {
	timer := metrics.NewTimer()
	outcome := "committed"
	defer func() {
		timer.ObserveDurationVec(metrics.WriteDuration, opName)
		metrics.WritesTotal.WithLabelValues(opName, outcome).Inc()
	}()

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			outcome = "aborted"
			return err
		}
		tx, err := s.env.Begin(true)
		if err != nil {
			outcome = "aborted"
			return err
		}
		err = fn(tx)
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				outcome = "aborted"
				return cerr
			}
			return nil
		}
		_ = tx.Abort()
		if !direrrors.IsRetryable(err) {
			outcome = "aborted"
			return err
		}
		attempt++
		metrics.WriteRetriesTotal.WithLabelValues(opName).Inc()
		if s.maxRetries > 0 && attempt > s.maxRetries {
			outcome = "aborted"
			return fmt.Errorf("kv: %s: exceeded %d retries: %w", opName, s.maxRetries, err)
		}
		delay := backoff(attempt)
		log.WithOperation(opName).With().Int("retry", attempt).Logger().
			Warn().Err(err).Dur("backoff", delay).Msg("deadlock, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			outcome = "aborted"
			return ctx.Err()
		}
	}
}

// parentIDOf resolves target's parent ID, treating target itself as
// rootless when it is the store's configured suffix rather than
// relying on its RDN count: a multi-RDN suffix like
// "dc=example,dc=com" has no stored parent either.
func (s *Store) parentIDOf(tx *Tx, target dn.DN) (uint32, error) {
	if target.Equal(s.suffix) {
		return rootID, nil
	}
	parent := target.Parent()
	id, ok := dn2idGet(tx, parent)
	if !ok {
		return 0, direrrors.ErrNoSuchObject
	}
	return id, nil
}

// Add implements the 11-step add protocol: stamp flags, run the schema
// check and allocate an ID outside the transaction, then within one
// retried transaction look up the parent, reject an existing same-name
// entry, run the access check, and apply the index updates in the fixed
// order dn2id → id2children → attribute index → id2entry, following
// back-bdb's bdb_dn2id_add → bdb_index_entry_add → bdb_id2entry_add.
func (s *Store) Add(ctx context.Context, op *opctx.OpContext, e *entry.Entry) error {
	if op == nil {
		op = opctx.Default("")
	}
	opctx.AnnotateOperationalAttributes(e)
	if err := op.Schema.CheckEntry(e); err != nil {
		return err
	}
	id, err := s.env.NextID()
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, "add", func(tx *Tx) error {
		parentID, err := s.parentIDOf(tx, e.DN)
		if err != nil {
			return err
		}
		if _, exists := dn2idGet(tx, e.DN); exists {
			return direrrors.ErrAlreadyExists
		}
		if err := op.Access.AllowWrite(op, e); err != nil {
			return err
		}

		sub := tx.BeginSub()
		if err := dn2idPut(tx, e.DN, id); err != nil {
			sub.Abort()
			return err
		}
		if err := id2childrenAdd(tx, parentID, id); err != nil {
			sub.Abort()
			return err
		}
		if err := indexEntryAdd(tx, s.env.indexed, id, e); err != nil {
			sub.Abort()
			return err
		}
		if err := id2entryPut(tx, id, e); err != nil {
			sub.Abort()
			return err
		}
		sub.Commit()
		return nil
	})
	if err != nil {
		return err
	}
	lock := s.cache.LockID(id)
	lock.Lock()
	s.cache.Put(id, e.DN, e)
	lock.Unlock()
	s.logChange(changelog.Record{Type: changelog.ChangeAdd, DN: e.DN, AddEntry: e})
	return nil
}

// Delete implements the delete protocol: refuse a non-leaf entry (an
// entry with remaining children), then remove it from every index.
func (s *Store) Delete(ctx context.Context, op *opctx.OpContext, target dn.DN) error {
	if op == nil {
		op = opctx.Default("")
	}
	var id uint32
	err := s.withRetry(ctx, "delete", func(tx *Tx) error {
		var ok bool
		id, ok = dn2idGet(tx, target)
		if !ok {
			return direrrors.ErrNoSuchObject
		}
		children, err := id2childrenList(tx, id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return direrrors.ErrNotAllowedOnNonLeaf
		}
		e, err := id2entryGet(tx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return direrrors.ErrBackendCorrupt
		}
		if err := op.Access.AllowWrite(op, e); err != nil {
			return err
		}
		parentID, err := s.parentIDOf(tx, target)
		if err != nil {
			return err
		}

		sub := tx.BeginSub()
		if err := id2entryDelete(tx, id); err != nil {
			sub.Abort()
			return err
		}
		if err := indexEntryRemove(tx, s.env.indexed, id, e); err != nil {
			sub.Abort()
			return err
		}
		if err := id2childrenRemove(tx, parentID, id); err != nil {
			sub.Abort()
			return err
		}
		if err := dn2idDelete(tx, target); err != nil {
			sub.Abort()
			return err
		}
		sub.Commit()
		return nil
	})
	if err != nil {
		return err
	}
	lock := s.cache.LockID(id)
	lock.Lock()
	s.cache.Remove(id, target)
	lock.Unlock()
	s.logChange(changelog.Record{Type: changelog.ChangeDelete, DN: target})
	return nil
}

// Modify applies mods to the entry at target, replacing the stored
// copy and its attribute-index entries in one transaction.
func (s *Store) Modify(ctx context.Context, op *opctx.OpContext, target dn.DN, mods []storage.Modification) error {
	if op == nil {
		op = opctx.Default("")
	}
	var id uint32
	var after *entry.Entry
	err := s.withRetry(ctx, "modify", func(tx *Tx) error {
		var ok bool
		id, ok = dn2idGet(tx, target)
		if !ok {
			return direrrors.ErrNoSuchObject
		}
		before, err := id2entryGet(tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return direrrors.ErrBackendCorrupt
		}
		if err := op.Access.AllowWrite(op, before); err != nil {
			return err
		}

		after = storage.CloneEntry(before)
		if err := storage.ApplyModifications(after, mods); err != nil {
			return err
		}
		if err := op.Schema.CheckEntry(after); err != nil {
			return err
		}

		sub := tx.BeginSub()
		if err := indexEntryRemove(tx, s.env.indexed, id, before); err != nil {
			sub.Abort()
			return err
		}
		if err := indexEntryAdd(tx, s.env.indexed, id, after); err != nil {
			sub.Abort()
			return err
		}
		if err := id2entryPut(tx, id, after); err != nil {
			sub.Abort()
			return err
		}
		sub.Commit()
		return nil
	})
	if err != nil {
		return err
	}
	lock := s.cache.LockID(id)
	lock.Lock()
	s.cache.Put(id, target, after)
	lock.Unlock()
	s.logChange(changelog.Record{Type: changelog.ChangeModify, DN: target, ModifyLines: storage.RenderModifyLines(mods)})
	return nil
}

// ModRDN renames the entry at target, relocating its dn2id key, its
// id2children edge (if the parent changes), and reindexing it under
// its new DN. The old RDN's values are dropped from the entry when
// deleteOldRDN is set and they are not also carried by the new RDN.
func (s *Store) ModRDN(ctx context.Context, op *opctx.OpContext, target dn.DN, newRDN dn.RDN, deleteOldRDN bool, newSuperior dn.DN) error {
	if op == nil {
		op = opctx.Default("")
	}
	var id uint32
	var newDN dn.DN
	var renamed *entry.Entry
	err := s.withRetry(ctx, "modrdn", func(tx *Tx) error {
		var ok bool
		id, ok = dn2idGet(tx, target)
		if !ok {
			return direrrors.ErrNoSuchObject
		}
		e, err := id2entryGet(tx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return direrrors.ErrBackendCorrupt
		}
		if err := op.Access.AllowWrite(op, e); err != nil {
			return err
		}

		newParentDN := newSuperior
		if newParentDN == nil {
			newParentDN = target.Parent()
		}
		newDN = append(dn.DN{newRDN}, newParentDN...)
		if _, exists := dn2idGet(tx, newDN); exists {
			return direrrors.ErrAlreadyExists
		}
		oldParentID, err := s.parentIDOf(tx, target)
		if err != nil {
			return err
		}
		newParentID, ok := dn2idGet(tx, newParentDN)
		if !newParentDN.IsEmpty() && !ok {
			return direrrors.ErrNoSuchObject
		}
		if newParentDN.IsEmpty() {
			newParentID = rootID
		}

		renamed = storage.CloneEntry(e)
		renamed.DN = newDN
		storage.ApplyRDNToEntry(renamed, newRDN, target.RDN(), deleteOldRDN)
		if err := op.Schema.CheckEntry(renamed); err != nil {
			return err
		}

		sub := tx.BeginSub()
		if err := indexEntryRemove(tx, s.env.indexed, id, e); err != nil {
			sub.Abort()
			return err
		}
		if err := dn2idDelete(tx, target); err != nil {
			sub.Abort()
			return err
		}
		if err := dn2idPut(tx, newDN, id); err != nil {
			sub.Abort()
			return err
		}
		if oldParentID != newParentID {
			if err := id2childrenRemove(tx, oldParentID, id); err != nil {
				sub.Abort()
				return err
			}
			if err := id2childrenAdd(tx, newParentID, id); err != nil {
				sub.Abort()
				return err
			}
		}
		if err := indexEntryAdd(tx, s.env.indexed, id, renamed); err != nil {
			sub.Abort()
			return err
		}
		if err := id2entryPut(tx, id, renamed); err != nil {
			sub.Abort()
			return err
		}
		sub.Commit()
		return nil
	})
	if err != nil {
		return err
	}
	lock := s.cache.LockID(id)
	lock.Lock()
	s.cache.Remove(id, target)
	s.cache.Put(id, newDN, renamed)
	lock.Unlock()
	newSuperiorStr := ""
	if newSuperior != nil {
		newSuperiorStr = newSuperior.String()
	}
	s.logChange(changelog.Record{
		Type:         changelog.ChangeModRDN,
		DN:           target,
		NewRDN:       newRDN.String(),
		DeleteOldRDN: deleteOldRDN,
		NewSuperior:  newSuperiorStr,
	})
	return nil
}

// Get performs a point lookup, consulting the cache before the KV
// store.
func (s *Store) Get(ctx context.Context, target dn.DN) (*entry.Entry, error) {
	if e, ok := s.cache.GetByDN(target); ok {
		metrics.CacheHitsTotal.Inc()
		return e, nil
	}
	metrics.CacheMissesTotal.Inc()
	var out *entry.Entry
	err := s.view(func(tx *Tx) error {
		id, ok := dn2idGet(tx, target)
		if !ok {
			return direrrors.ErrNoSuchObject
		}
		e, err := id2entryGet(tx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return direrrors.ErrNoSuchObject
		}
		out = e
		s.cache.Put(id, target, e)
		return nil
	})
	return out, err
}

func (s *Store) view(fn func(tx *Tx) error) error {
	tx, err := s.env.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Abort()
	return fn(tx)
}

// Bind verifies a credential against the userPassword attribute of
// the entry at target, using op.Cred (PlainCredentialChecker by
// default).
func (s *Store) Bind(ctx context.Context, op *opctx.OpContext, target dn.DN, credential []byte) error {
	if op == nil {
		op = opctx.Default("")
	}
	e, err := s.Get(ctx, target)
	if err != nil {
		return err
	}
	stored, ok := e.Get("userPassword")
	if !ok || len(stored) == 0 {
		return direrrors.ErrInvalidCredentials
	}
	return op.Cred.Check([]byte(stored[0]), credential)
}
