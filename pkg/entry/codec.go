package entry

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rcastellor/dirstore/pkg/dn"
)

// foldWidth is the line length at which Marshal wraps a logical line
// across continuation lines, matching the conventional LDIF fold width.
const foldWidth = 76

// Marshal renders e into the line-oriented on-disk format: a "dn:"
// line followed by one "attr: value" (or "attr:: base64") line per
// value, in attribute order, long lines folded at foldWidth.
func Marshal(e *Entry) []byte {
	var buf bytes.Buffer
	writeLine(&buf, "dn", e.DN.String())
	for _, a := range e.Attributes {
		for _, v := range a.Values {
			writeLine(&buf, a.Name, v)
		}
	}
	return buf.Bytes()
}

func writeLine(buf *bytes.Buffer, name, value string) {
	var line string
	if needsBase64(value) {
		line = name + ":: " + base64.StdEncoding.EncodeToString([]byte(value))
	} else {
		line = name + ": " + value
	}
	fold(buf, line)
	buf.WriteByte('\n')
}

// fold writes line to buf, wrapping at foldWidth with RFC 2849-style
// single-space continuation prefixes.
func fold(buf *bytes.Buffer, line string) {
	if len(line) <= foldWidth {
		buf.WriteString(line)
		return
	}
	buf.WriteString(line[:foldWidth])
	rest := line[foldWidth:]
	for len(rest) > 0 {
		buf.WriteByte('\n')
		buf.WriteByte(' ')
		n := foldWidth - 1
		if n > len(rest) {
			n = len(rest)
		}
		buf.WriteString(rest[:n])
		rest = rest[n:]
	}
}

// needsBase64 reports whether value must be base64-encoded to survive
// the line-oriented text format unambiguously: invalid UTF-8, control
// bytes, or a leading/trailing byte that would be misread as format
// syntax.
func needsBase64(value string) bool {
	if value == "" {
		return false
	}
	if !utf8.ValidString(value) {
		return true
	}
	switch value[0] {
	case ' ', ':', '<':
		return true
	}
	if value[len(value)-1] == ' ' {
		return true
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\n' || c == '\r' || c == 0 {
			return true
		}
		if c < 0x20 && c != '\t' {
			return true
		}
	}
	return false
}

// Unmarshal parses data produced by Marshal back into an Entry. The
// caller is responsible for assigning Syntax per attribute (the codec
// itself is syntax-agnostic). Flags is computed from the objectClass
// attribute when one is present.
func Unmarshal(data []byte) (*Entry, error) {
	lines, err := unfold(data)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("entry: empty record")
	}
	e := &Entry{}
	sawDN := false
	for _, l := range lines {
		name, value, err := splitLine(l)
		if err != nil {
			return nil, err
		}
		if !sawDN {
			if !equalFold(name, "dn") {
				return nil, fmt.Errorf("entry: first line must be \"dn:\", got %q", name)
			}
			parsed, err := dn.Parse(value)
			if err != nil {
				return nil, fmt.Errorf("entry: parsing dn: %w", err)
			}
			e.DN = parsed
			sawDN = true
			continue
		}
		e.Add(name, SyntaxDirectoryString, value)
	}
	if oc, ok := e.Get("objectClass"); ok {
		e.Flags = ComputeFlags(oc)
	}
	return e, nil
}

// unfold joins continuation lines (a line starting with a single
// space is appended, minus that space, to the previous logical line)
// and strips blank lines/comments.
func unfold(data []byte) ([]string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var logical []string
	for scanner.Scan() {
		raw := scanner.Text()
		if raw == "" {
			continue
		}
		if raw[0] == '#' {
			continue
		}
		if raw[0] == ' ' {
			if len(logical) == 0 {
				return nil, fmt.Errorf("entry: continuation line with no preceding line")
			}
			logical[len(logical)-1] += raw[1:]
			continue
		}
		logical = append(logical, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("entry: reading record: %w", err)
	}
	return logical, nil
}

// splitLine splits one logical "name: value" or "name:: base64" line.
func splitLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("entry: malformed line %q: no ':'", line)
	}
	name = line[:idx]
	rest := line[idx+1:]
	if strings.HasPrefix(rest, ":") {
		b64 := strings.TrimPrefix(strings.TrimPrefix(rest, ":"), " ")
		decoded, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if decErr != nil {
			return "", "", fmt.Errorf("entry: decoding base64 value of %q: %w", name, decErr)
		}
		return name, string(decoded), nil
	}
	value = strings.TrimPrefix(rest, " ")
	return name, value, nil
}

// ParseInt is a small helper for SyntaxInteger attributes, kept here
// so callers don't need a separate import just to read a count back.
func ParseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
