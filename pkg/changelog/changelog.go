// Package changelog implements the append-only change log writer
// (C11): one record per write operation, appended under an advisory
// file lock so multiple dirstore processes sharing a log file never
// interleave records. Grounded on OpenLDAP's repl.c replog: a global
// mutex plus an OS-level advisory lock around the open/append/close
// sequence, replica-suffix filtering, and a per-changetype record
// body terminated by a blank line.
//
// The writer never calls back into pkg/log: its contract is to append
// or return an error to its caller, not to decide what the caller
// should do about a failure.
package changelog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/metrics"
	"golang.org/x/sys/unix"
)

// ChangeType names the four write operations this log records.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeModRDN ChangeType = "modrdn"
	ChangeDelete ChangeType = "delete"
)

// Record is one logical write event to append.
type Record struct {
	Type ChangeType
	DN   dn.DN
	When time.Time

	// Add
	AddEntry *entry.Entry

	// Modify: pre-rendered "changetype: modify" body lines (one
	// "add:"/"delete:"/"replace:" block per modification, each
	// followed by its attribute lines and a trailing '-').
	ModifyLines []string

	// ModRDN
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
}

// Writer appends Records to a single log file, one at a time, behind
// both an in-process mutex and an OS advisory lock so the file is
// also safe to share across processes.
type Writer struct {
	mu   sync.Mutex
	path string

	// Replicas, if non-empty, restricts which records are appended: a
	// record is written only if its DN falls under at least one
	// configured replica suffix, and the record's "replica:" lines
	// name the hosts of only the matching replicas — mirroring replog's
	// per-replica suffix filter.
	Replicas []ReplicaSuffix
}

// ReplicaSuffix names one downstream consumer of this log and the
// subtree it replicates.
type ReplicaSuffix struct {
	Host   string
	Suffix dn.DN
}

// New creates a Writer appending to the file at path, creating it if
// necessary.
func New(path string, replicas []ReplicaSuffix) *Writer {
	return &Writer{path: path, Replicas: replicas}
}

// Append writes one record to the log. It opens the file, acquires an
// advisory exclusive lock, writes, and closes before returning, so a
// crash mid-write never leaves the lock held.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	matched := w.matchingReplicas(r.DN)
	if len(w.Replicas) > 0 && len(matched) == 0 {
		return nil
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("changelog: opening %q: %w", w.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("changelog: locking %q: %w", w.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	body := renderRecord(r, matched)
	if _, err := f.WriteString(body); err != nil {
		return fmt.Errorf("changelog: appending to %q: %w", w.path, err)
	}
	metrics.ChangeLogAppendsTotal.WithLabelValues(string(r.Type)).Inc()
	return nil
}

func (w *Writer) matchingReplicas(target dn.DN) []ReplicaSuffix {
	if len(w.Replicas) == 0 {
		return nil
	}
	var out []ReplicaSuffix
	for _, r := range w.Replicas {
		if r.Suffix.IsAncestorOf(target) || r.Suffix.Equal(target) {
			out = append(out, r)
		}
	}
	return out
}

func renderRecord(r Record, replicas []ReplicaSuffix) string {
	var b strings.Builder
	for _, rep := range replicas {
		fmt.Fprintf(&b, "replica: %s\n", rep.Host)
	}
	when := r.When
	if when.IsZero() {
		when = time.Now()
	}
	fmt.Fprintf(&b, "time: %d\n", when.Unix())
	fmt.Fprintf(&b, "dn: %s\n", r.DN.String())
	fmt.Fprintf(&b, "changetype: %s\n", r.Type)

	switch r.Type {
	case ChangeAdd:
		if r.AddEntry != nil {
			b.Write(entry.Marshal(r.AddEntry))
		}
	case ChangeModify:
		for _, line := range r.ModifyLines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	case ChangeModRDN:
		fmt.Fprintf(&b, "newrdn: %s\n", r.NewRDN)
		fmt.Fprintf(&b, "deleteoldrdn: %s\n", boolDigit(r.DeleteOldRDN))
		if r.NewSuperior != "" {
			fmt.Fprintf(&b, "newsuperior: %s\n", r.NewSuperior)
		}
	case ChangeDelete:
		// no body beyond the common header
	}
	b.WriteByte('\n')
	return b.String()
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
