package storage

import (
	"github.com/rcastellor/dirstore/pkg/direrrors"
	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
)

// CloneEntry returns a deep copy of e's DN, flags, and attribute
// values, so a modify/modrdn can build a candidate without mutating
// the caller's (or cache's) copy until the write is known to succeed.
func CloneEntry(e *entry.Entry) *entry.Entry {
	out := &entry.Entry{DN: e.DN, Flags: e.Flags}
	out.Attributes = make([]entry.Attribute, len(e.Attributes))
	for i, a := range e.Attributes {
		vals := make([]string, len(a.Values))
		copy(vals, a.Values)
		out.Attributes[i] = entry.Attribute{Name: a.Name, Syntax: a.Syntax, Values: vals}
	}
	return out
}

// ApplyModifications applies mods to e in order, per spec.md §4's
// modify semantics: Add appends (or creates), Delete removes named
// values or the whole attribute, Replace overwrites, Increment adds a
// delta to a single SyntaxInteger value.
func ApplyModifications(e *entry.Entry, mods []Modification) error {
	for _, m := range mods {
		switch m.Op {
		case ModAdd:
			e.Add(m.Name, m.Syntax, m.Values...)
		case ModDelete:
			if err := e.Delete(m.Name, m.Values...); err != nil {
				return err
			}
		case ModReplace:
			if len(m.Values) == 0 {
				_ = e.Delete(m.Name)
			} else {
				e.Set(m.Name, m.Syntax, m.Values...)
			}
		case ModIncrement:
			if err := applyIncrement(e, m); err != nil {
				return err
			}
		}
	}
	if oc, ok := e.Get("objectClass"); ok {
		e.Flags = entry.ComputeFlags(oc)
	}
	return nil
}

// RenderModifyLines renders mods as the LDIF-style change-record body
// the change log (C11) appends for a modify: one "add:"/"delete:"/
// "replace:"/"increment:" line per modification followed by its
// attribute-value lines and a trailing "-", mirroring repl.c's
// modify-body rendering.
func RenderModifyLines(mods []Modification) []string {
	var lines []string
	for _, m := range mods {
		switch m.Op {
		case ModAdd:
			lines = append(lines, "add: "+m.Name)
		case ModDelete:
			lines = append(lines, "delete: "+m.Name)
		case ModReplace:
			lines = append(lines, "replace: "+m.Name)
		case ModIncrement:
			lines = append(lines, "increment: "+m.Name)
		}
		for _, v := range m.Values {
			lines = append(lines, m.Name+": "+v)
		}
		lines = append(lines, "-")
	}
	return lines
}

func applyIncrement(e *entry.Entry, m Modification) error {
	if len(m.Values) != 1 {
		return direrrors.ErrConstraintViolation
	}
	delta, err := entry.ParseInt(m.Values[0])
	if err != nil {
		return direrrors.Other("increment %q: invalid delta %q", err, m.Name, m.Values[0])
	}
	cur, ok := e.Get(m.Name)
	if !ok || len(cur) != 1 {
		return direrrors.ErrConstraintViolation
	}
	base, err := entry.ParseInt(cur[0])
	if err != nil {
		return direrrors.Other("increment %q: stored value %q not an integer", err, m.Name, cur[0])
	}
	e.Set(m.Name, entry.SyntaxInteger, itoa(base+delta))
	return nil
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ApplyRDNToEntry updates e's naming attributes for a rename: it adds
// the new RDN's AVAs as attribute values and, if deleteOldRDN is set,
// removes the old RDN's AVA values (unless also present in the new
// RDN), per spec.md §4's modrdn semantics.
func ApplyRDNToEntry(e *entry.Entry, newRDN, oldRDN dn.RDN, deleteOldRDN bool) {
	for _, ava := range newRDN {
		e.Add(ava.Type, entry.SyntaxDirectoryString, ava.Value)
	}
	if !deleteOldRDN {
		return
	}
	for _, old := range oldRDN {
		stillNamed := false
		for _, nw := range newRDN {
			if nw.Type == old.Type && nw.Value == old.Value {
				stillNamed = true
				break
			}
		}
		if !stillNamed {
			_ = e.Delete(old.Type, old.Value)
		}
	}
}
