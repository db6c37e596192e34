package kv

import (
	"fmt"
	"sync"

	"github.com/rcastellor/dirstore/pkg/direrrors"
	bolt "go.etcd.io/bbolt"
)

// Tx is a top-level write (or read) transaction against an Env. bbolt
// has exactly one real transaction in flight at a time per Env, so
// nested sub-transactions (see BeginSub) are simulated as an undo log
// layered on top of this one real transaction rather than as separate
// bbolt transactions: each write records the key's prior value before
// applying it, and aborting a sub-transaction replays that log in
// reverse to undo just the writes made since it started.
type Tx struct {
	btx    *bolt.Tx
	env    *Env
	Locker uint64

	undo []undoOp
}

type undoOp struct {
	bucket  []byte
	key     []byte
	hadPrev bool
	prev    []byte
}

// Begin starts a new top-level transaction. Only one writable Tx can
// be open at a time per Env; bbolt blocks the caller until any prior
// writer commits or rolls back.
func (env *Env) Begin(writable bool) (*Tx, error) {
	btx, err := env.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("kv: beginning transaction: %w", err)
	}
	return &Tx{btx: btx, env: env, Locker: env.nextLockerID()}, nil
}

// Commit makes every write performed through tx durable.
func (tx *Tx) Commit() error {
	if err := tx.btx.Commit(); err != nil {
		return fmt.Errorf("kv: commit: %w", err)
	}
	return nil
}

// Abort discards every write performed through tx.
func (tx *Tx) Abort() error {
	if err := tx.btx.Rollback(); err != nil {
		return fmt.Errorf("kv: abort: %w", err)
	}
	return nil
}

// SubTx is a nested scope within a Tx: its writes can be undone
// without aborting the parent Tx, matching the BDB backend's nested
// TXN_BEGIN/TXN_COMMIT/TXN_ABORT around each index-update step.
type SubTx struct {
	tx   *Tx
	mark int
	done bool
}

// BeginSub opens a nested scope. Every Put/Delete issued through tx
// between BeginSub and the matching Commit/Abort is recorded so Abort
// can undo exactly those writes.
func (tx *Tx) BeginSub() *SubTx {
	return &SubTx{tx: tx, mark: len(tx.undo)}
}

// Commit keeps the writes made within the sub-transaction; they remain
// part of the parent Tx and are undone only if the parent itself is
// aborted.
func (s *SubTx) Commit() {
	if s.done {
		return
	}
	s.done = true
	s.tx.undo = s.tx.undo[:s.mark]
}

// Abort replays this sub-transaction's undo log in reverse, restoring
// every key it touched to its pre-BeginSub value (or deleting it, if
// it did not exist before).
func (s *SubTx) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	for i := len(s.tx.undo) - 1; i >= s.mark; i-- {
		op := s.tx.undo[i]
		b := s.tx.btx.Bucket(op.bucket)
		if b == nil {
			return fmt.Errorf("kv: abort: bucket %s missing", op.bucket)
		}
		if op.hadPrev {
			if err := b.Put(op.key, op.prev); err != nil {
				return fmt.Errorf("kv: abort: restoring %s/%x: %w", op.bucket, op.key, err)
			}
		} else {
			if err := b.Delete(op.key); err != nil {
				return fmt.Errorf("kv: abort: undoing %s/%x: %w", op.bucket, op.key, err)
			}
		}
	}
	s.tx.undo = s.tx.undo[:s.mark]
	return nil
}

// put first consults the deadlock-injection table so tests can force
// this write to return ErrDeadlock deterministically, then writes value
// to bucket/key, recording its previous value on the undo log.
func (tx *Tx) put(bucketName, key, value []byte) error {
	if tx.env.deadlockInjections.consume(bucketName, key) {
		return direrrors.ErrDeadlock
	}
	b := tx.btx.Bucket(bucketName)
	if b == nil {
		return fmt.Errorf("kv: bucket %s not found", bucketName)
	}
	var prev []byte
	if v := b.Get(key); v != nil {
		prev = append([]byte(nil), v...)
	}
	if err := b.Put(key, value); err != nil {
		return fmt.Errorf("kv: put %s/%x: %w", bucketName, key, err)
	}
	tx.undo = append(tx.undo, undoOp{bucket: bucketName, key: append([]byte(nil), key...), hadPrev: prev != nil, prev: prev})
	return nil
}

// delete removes bucket/key, recording its previous value on the undo
// log, subject to the same deadlock-injection seam as put.
func (tx *Tx) delete(bucketName, key []byte) error {
	if tx.env.deadlockInjections.consume(bucketName, key) {
		return direrrors.ErrDeadlock
	}
	b := tx.btx.Bucket(bucketName)
	if b == nil {
		return fmt.Errorf("kv: bucket %s not found", bucketName)
	}
	var prev []byte
	if v := b.Get(key); v != nil {
		prev = append([]byte(nil), v...)
	}
	if prev == nil {
		return nil
	}
	if err := b.Delete(key); err != nil {
		return fmt.Errorf("kv: delete %s/%x: %w", bucketName, key, err)
	}
	tx.undo = append(tx.undo, undoOp{bucket: bucketName, key: append([]byte(nil), key...), hadPrev: true, prev: prev})
	return nil
}

func (tx *Tx) get(bucketName, key []byte) []byte {
	b := tx.btx.Bucket(bucketName)
	if b == nil {
		return nil
	}
	return b.Get(key)
}

// injectionTable implements InjectDeadlock: a bucket+key pair maps to
// a remaining-hit count. Each matching put/delete call decrements it
// and returns ErrDeadlock until it reaches zero.
type injectionTable struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInjectionTable() *injectionTable {
	return &injectionTable{counts: make(map[string]int)}
}

func injectionKey(bucket, key []byte) string {
	return string(bucket) + "\x00" + string(key)
}

// InjectDeadlock makes the next `times` writes to bucket/key return
// the retryable Deadlock kind from within the write orchestrator's
// index-update step, exercising the retry/backoff/counter logic
// deterministically. bbolt serializes all writers through a single
// mutex, so genuine write-write deadlocks cannot occur; this seam is
// test-only and production code paths never call it.
func (env *Env) InjectDeadlock(bucket, key string, times int) {
	env.deadlockInjections.mu.Lock()
	defer env.deadlockInjections.mu.Unlock()
	env.deadlockInjections.counts[injectionKey([]byte(bucket), []byte(key))] = times
}

func (t *injectionTable) consume(bucket, key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := injectionKey(bucket, key)
	if t.counts[k] <= 0 {
		return false
	}
	t.counts[k]--
	return true
}
