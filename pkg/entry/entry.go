// Package entry implements the Entry Model: an ordered attribute bag
// plus the line-oriented text serialization used by both backends to
// persist entries.
package entry

import (
	"fmt"

	"github.com/rcastellor/dirstore/pkg/dn"
)

// Syntax selects how an attribute's values are tokenized for indexing
// and how they are rendered on the wire.
type Syntax int

const (
	SyntaxDirectoryString Syntax = iota
	SyntaxInteger
	SyntaxBoolean
	SyntaxDN
	SyntaxOctetString
)

func (s Syntax) String() string {
	switch s {
	case SyntaxInteger:
		return "Integer"
	case SyntaxBoolean:
		return "Boolean"
	case SyntaxDN:
		return "DN"
	case SyntaxOctetString:
		return "OctetString"
	default:
		return "DirectoryString"
	}
}

// ParseSyntax maps a config-file syntax name (case-insensitive) to its
// Syntax constant, for turning a `index attr flags`-style configuration
// entry into the tokenizer selector index.go's add/remove steps need.
// Unrecognized names fall back to SyntaxDirectoryString, matching the
// zero value.
func ParseSyntax(name string) Syntax {
	switch {
	case equalFold(name, "integer"):
		return SyntaxInteger
	case equalFold(name, "boolean"):
		return SyntaxBoolean
	case equalFold(name, "dn"):
		return SyntaxDN
	case equalFold(name, "octetstring"):
		return SyntaxOctetString
	default:
		return SyntaxDirectoryString
	}
}

// Attribute is one named, possibly multi-valued attribute.
type Attribute struct {
	Name   string
	Syntax Syntax
	Values []string
}

// Entry is the in-memory representation of a directory entry: its DN
// plus an ordered bag of attributes. Attribute order is preserved
// across a Marshal/Unmarshal round trip because the on-disk format is
// order-sensitive for readability, even though lookups are by name.
type Entry struct {
	DN         dn.DN
	Attributes []Attribute
	Flags      ObjectClassFlags
}

// Get returns the values of the named attribute (case-insensitive) and
// whether it is present.
func (e *Entry) Get(name string) ([]string, bool) {
	for _, a := range e.Attributes {
		if equalFold(a.Name, name) {
			return a.Values, true
		}
	}
	return nil, false
}

// Set replaces (or adds) the named attribute with the given values and
// syntax, preserving the attribute's existing position if present.
func (e *Entry) Set(name string, syntax Syntax, values ...string) {
	for i, a := range e.Attributes {
		if equalFold(a.Name, name) {
			e.Attributes[i].Values = values
			e.Attributes[i].Syntax = syntax
			return
		}
	}
	e.Attributes = append(e.Attributes, Attribute{Name: name, Syntax: syntax, Values: values})
}

// Add appends values to the named attribute, creating it if absent.
func (e *Entry) Add(name string, syntax Syntax, values ...string) {
	for i, a := range e.Attributes {
		if equalFold(a.Name, name) {
			e.Attributes[i].Values = append(e.Attributes[i].Values, values...)
			return
		}
	}
	e.Attributes = append(e.Attributes, Attribute{Name: name, Syntax: syntax, Values: values})
}

// Delete removes the named attribute entirely. If values is non-empty,
// only those values are removed, and the attribute is dropped if it
// becomes empty. Returns an error if a named value was not present.
func (e *Entry) Delete(name string, values ...string) error {
	for i, a := range e.Attributes {
		if !equalFold(a.Name, name) {
			continue
		}
		if len(values) == 0 {
			e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
			return nil
		}
		remaining, err := removeValues(a.Values, values)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
		} else {
			e.Attributes[i].Values = remaining
		}
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	return fmt.Errorf("entry: attribute %q not present", name)
}

func removeValues(have, remove []string) ([]string, error) {
	out := make([]string, 0, len(have))
	for _, v := range have {
		found := false
		for _, r := range remove {
			if v == r {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	if len(out) != len(have)-len(remove) {
		return nil, fmt.Errorf("entry: value not present for delete")
	}
	return out, nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
