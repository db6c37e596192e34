// Package storage defines the narrow capability set both backends
// implement: add/modify/modrdn/delete, a point lookup, a scoped
// search, and a bind credential check. Callers program against this
// interface rather than either backend's concrete type, per spec.md
// §9's "narrow capability set over either backend" design note.
package storage

import (
	"context"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/opctx"
)

// Scope selects how far a Search descends from its base DN.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOneLevel
	ScopeSubtree
)

// ModOp is the kind of change one Modification applies.
type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
	ModIncrement
)

// Modification is one attribute change within a Modify operation.
type Modification struct {
	Op     ModOp
	Name   string
	Syntax entry.Syntax
	Values []string
}

// VisitFunc is called once per entry a Search walk visits. Returning
// direrrors.ErrStopWalk stops the walk early without it being treated
// as a search failure.
type VisitFunc func(e *entry.Entry) error

// Backend is the capability set shared by the KV and filesystem
// backends.
type Backend interface {
	Add(ctx context.Context, op *opctx.OpContext, e *entry.Entry) error
	Modify(ctx context.Context, op *opctx.OpContext, target dn.DN, mods []Modification) error
	ModRDN(ctx context.Context, op *opctx.OpContext, target dn.DN, newRDN dn.RDN, deleteOldRDN bool, newSuperior dn.DN) error
	Delete(ctx context.Context, op *opctx.OpContext, target dn.DN) error

	Get(ctx context.Context, target dn.DN) (*entry.Entry, error)
	Search(ctx context.Context, base dn.DN, scope Scope, visit VisitFunc) error

	Bind(ctx context.Context, op *opctx.OpContext, target dn.DN, credential []byte) error

	Close() error
}

// ToolMode is the low-level bulk load/dump cursor both backends
// implement for cmd/dirstore-tool: a linear walk over every stored
// entry that bypasses the operation front-end, the deadlock-retry
// loop, and (for the KV backend) the entry cache and attribute
// indexes entirely, mirroring OpenLDAP's slapcat/slapadd tool-mode
// access. Put does not maintain attribute indexes; a bulk load
// followed by an index rebuild is the caller's responsibility.
type ToolMode interface {
	Open() error
	First() (*entry.Entry, bool, error)
	Next() (*entry.Entry, bool, error)
	Get(name dn.DN) (*entry.Entry, error)
	Put(e *entry.Entry) error
	Close() error
}
