// Package opctx defines the narrow front-end interfaces that stand in
// for the collaborators this module treats as external: schema
// validation, access control, and credential verification. The write
// orchestrator (storage/kv) and the filesystem backend call through
// these interfaces at the pre-transaction step and never special-case
// "no checker configured" — OpContext always carries a usable default.
package opctx

import (
	"github.com/rcastellor/dirstore/pkg/direrrors"
	"github.com/rcastellor/dirstore/pkg/entry"
)

// SchemaChecker validates a candidate entry before it is written.
type SchemaChecker interface {
	CheckEntry(e *entry.Entry) error
}

// AccessChecker authorizes a write against a target entry.
type AccessChecker interface {
	AllowWrite(ctx *OpContext, target *entry.Entry) error
}

// CredentialChecker compares a supplied credential against the stored
// one, e.g. for a bind operation.
type CredentialChecker interface {
	Check(stored, supplied []byte) error
}

// OpContext carries the per-operation identity and checkers through a
// write. A nil field is never read directly by callers in this
// module — Default() fills every field with a usable implementation.
type OpContext struct {
	BoundDN string
	Schema  SchemaChecker
	Access  AccessChecker
	Cred    CredentialChecker
}

// Default returns an OpContext suitable for exercising the write path
// in tests or in deployments with no external ACL/schema service:
// structural objectClass checks only, unrestricted access, byte-equal
// credential comparison.
func Default(boundDN string) *OpContext {
	return &OpContext{
		BoundDN: boundDN,
		Schema:  DefaultSchemaChecker{},
		Access:  AllowAllAccessChecker{},
		Cred:    PlainCredentialChecker{},
	}
}

// AnnotateOperationalAttributes stamps e.Flags from e's objectClass
// attribute. This is the pre-transaction operational-attribute
// annotation step both backends run before a SchemaChecker ever sees
// the entry: entry.Unmarshal and storage.ApplyModifications already
// derive flags for entries that round-trip through the wire codec or
// a modify, but a candidate built directly for Add (e.g. via
// entry.Entry.Set) has never had ComputeFlags applied, so it must be
// annotated here or CheckEntry's FlagTop requirement always fails it.
func AnnotateOperationalAttributes(e *entry.Entry) {
	if oc, ok := e.Get("objectClass"); ok {
		e.Flags = entry.ComputeFlags(oc)
	}
}

// DefaultSchemaChecker requires a non-empty objectClass attribute that
// includes "top", and enforces the subentry/administrativeRole rule:
// an entry whose objectClass includes "subentry" may only be added
// under a parent that itself carries administrativeRole, mirroring
// the check OpenLDAP's back-bdb leaves as a FIXME.
type DefaultSchemaChecker struct {
	// ParentAdministrativeRole, when CheckEntry is invoked for an add
	// or modrdn, reports whether the candidate parent carries
	// administrativeRole. Left nil, subentries are always rejected as
	// UnwillingToPerform — callers that need subentry support must
	// supply this.
	ParentAdministrativeRole func() (bool, error)
}

func (c DefaultSchemaChecker) CheckEntry(e *entry.Entry) error {
	ocs, ok := e.Get("objectClass")
	if !ok || len(ocs) == 0 {
		return direrrors.ErrObjectClassMod
	}
	if !e.Flags.Has(entry.FlagTop) {
		return direrrors.ErrObjectClassMod
	}
	if e.Flags.Has(entry.FlagSubentry) {
		if c.ParentAdministrativeRole == nil {
			return direrrors.ErrUnwillingToPerform
		}
		ok, err := c.ParentAdministrativeRole()
		if err != nil {
			return err
		}
		if !ok {
			return direrrors.ErrUnwillingToPerform
		}
	}
	return nil
}

// AllowAllAccessChecker authorizes every write; the default when no
// external ACL engine is wired.
type AllowAllAccessChecker struct{}

func (AllowAllAccessChecker) AllowWrite(*OpContext, *entry.Entry) error { return nil }

// PlainCredentialChecker compares credentials byte-for-byte. A
// production deployment would plug in a {SSHA}-aware checker instead;
// that is a collaborator this module names but does not implement.
type PlainCredentialChecker struct{}

func (PlainCredentialChecker) Check(stored, supplied []byte) error {
	if len(stored) != len(supplied) {
		return direrrors.ErrInvalidCredentials
	}
	for i := range stored {
		if stored[i] != supplied[i] {
			return direrrors.ErrInvalidCredentials
		}
	}
	return nil
}
