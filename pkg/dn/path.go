package dn

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ToPath maps dn to a filesystem path rooted at root, mirroring
// ldif.c's dn2path: the DN's RDNs are walked root-to-leaf (the reverse
// of DN string order) and each becomes one path segment, hex-escaped
// for filesystem safety. The root DN maps to root itself.
func ToPath(root string, name DN) string {
	if name.IsEmpty() {
		return root
	}
	segs := make([]string, len(name))
	for i, rdn := range name {
		segs[len(name)-1-i] = encodeSegment(rdn.String())
	}
	return filepath.Join(append([]string{root}, segs...)...)
}

// FromPath recovers the DN that ToPath(root, name) would have produced
// for the given path, which must lie under root.
func FromPath(root, path string) (DN, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, fmt.Errorf("dn: path %q not under root %q: %w", path, root, err)
	}
	if rel == "." {
		return DN{}, nil
	}
	parts := strings.Split(rel, string(filepath.Separator))
	dn := make(DN, len(parts))
	for i, seg := range parts {
		decoded, err := decodeSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("dn: decoding path segment %q: %w", seg, err)
		}
		rdn, err := parseRDN(decoded)
		if err != nil {
			return nil, err
		}
		dn[len(parts)-1-i] = rdn
	}
	return dn, nil
}

// encodeSegment hex-escapes every unsafe byte of an RDN's canonical
// string so it can be used verbatim as one filesystem path component.
func encodeSegment(rdnString string) string {
	var b strings.Builder
	for i := 0; i < len(rdnString); i++ {
		c := rdnString[i]
		if segUnsafe(c) {
			fmt.Fprintf(&b, "%c%02X", escapeChar, c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ParseSegment decodes and parses a single path segment produced by
// ToPath back into the RDN it encodes, without requiring the rest of
// the path. Callers that already know a child's parent DN use this to
// build the child's full DN directly from a directory listing.
func ParseSegment(seg string) (RDN, error) {
	decoded, err := decodeSegment(seg)
	if err != nil {
		return nil, fmt.Errorf("dn: decoding path segment %q: %w", seg, err)
	}
	return parseRDN(decoded)
}

// decodeSegment reverses encodeSegment.
func decodeSegment(seg string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		if seg[i] != escapeChar {
			b.WriteByte(seg[i])
			continue
		}
		if i+2 >= len(seg) || !isHex(seg[i+1]) || !isHex(seg[i+2]) {
			return "", fmt.Errorf("malformed escape at byte %d in %q", i, seg)
		}
		b.WriteByte(byte(hexVal(seg[i+1])<<4 | hexVal(seg[i+2])))
		i += 2
	}
	return b.String(), nil
}
