package entry

import (
	"strings"
	"testing"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDN(t *testing.T, s string) dn.DN {
	t.Helper()
	d, err := dn.Parse(s)
	require.NoError(t, err)
	return d
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	e := &Entry{DN: mustDN(t, "uid=bob,ou=people,dc=example,dc=com")}
	e.Set("objectClass", SyntaxDirectoryString, "top", "person")
	e.Set("cn", SyntaxDirectoryString, "Bob Smith")
	e.Set("uid", SyntaxDirectoryString, "bob")

	data := Marshal(e)
	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.True(t, e.DN.Equal(got.DN))
	ocs, ok := got.Get("objectClass")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"top", "person"}, ocs)
	assert.True(t, got.Flags.Has(FlagTop))
	cn, ok := got.Get("cn")
	require.True(t, ok)
	assert.Equal(t, []string{"Bob Smith"}, cn)
}

func TestMarshalBase64EncodesUnsafeValues(t *testing.T) {
	e := &Entry{DN: mustDN(t, "cn=weird,dc=example,dc=com")}
	e.Set("description", SyntaxDirectoryString, " leading space")

	data := Marshal(e)
	assert.Contains(t, string(data), "description:: ")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	desc, ok := got.Get("description")
	require.True(t, ok)
	assert.Equal(t, []string{" leading space"}, desc)
}

func TestMarshalFoldsLongLines(t *testing.T) {
	e := &Entry{DN: mustDN(t, "cn=x,dc=example,dc=com")}
	e.Set("description", SyntaxDirectoryString, strings.Repeat("a", 200))

	data := Marshal(e)
	lines := strings.Split(string(data), "\n")
	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, " ") {
			found = true
		}
		assert.LessOrEqual(t, len(l), foldWidth)
	}
	assert.True(t, found, "expected at least one continuation line")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	desc, ok := got.Get("description")
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("a", 200), desc[0])
}

func TestUnmarshalRequiresDNFirst(t *testing.T) {
	_, err := Unmarshal([]byte("cn: bob\n"))
	assert.Error(t, err)
}

func TestEntrySetGetDelete(t *testing.T) {
	e := &Entry{DN: mustDN(t, "cn=x,dc=example,dc=com")}
	e.Set("mail", SyntaxDirectoryString, "a@example.com", "b@example.com")
	vals, ok := e.Get("Mail")
	require.True(t, ok)
	assert.Len(t, vals, 2)

	require.NoError(t, e.Delete("mail", "a@example.com"))
	vals, ok = e.Get("mail")
	require.True(t, ok)
	assert.Equal(t, []string{"b@example.com"}, vals)

	require.NoError(t, e.Delete("mail"))
	_, ok = e.Get("mail")
	assert.False(t, ok)
}

func TestEntryDeleteMissingValueErrors(t *testing.T) {
	e := &Entry{DN: mustDN(t, "cn=x,dc=example,dc=com")}
	e.Set("mail", SyntaxDirectoryString, "a@example.com")
	assert.Error(t, e.Delete("mail", "nope@example.com"))
}
