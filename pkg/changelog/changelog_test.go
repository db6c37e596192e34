package changelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDN(t *testing.T, s string) dn.DN {
	t.Helper()
	d, err := dn.Parse(s)
	require.NoError(t, err)
	return d
}

func TestAppendAddRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changelog")
	w := New(path, nil)

	e := &entry.Entry{DN: mustDN(t, "uid=bob,dc=example,dc=com")}
	e.Set("objectClass", entry.SyntaxDirectoryString, "top", "person")

	require.NoError(t, w.Append(Record{Type: ChangeAdd, DN: e.DN, AddEntry: e}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "changetype: add")
	assert.Contains(t, content, "dn: uid=bob,dc=example,dc=com")
	assert.True(t, strings.HasSuffix(content, "\n\n"))
}

func TestAppendSkipsNonMatchingReplicas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changelog")
	otherSuffix := mustDN(t, "dc=other,dc=com")
	w := New(path, []ReplicaSuffix{{Host: "ldap://replica1", Suffix: otherSuffix}})

	require.NoError(t, w.Append(Record{Type: ChangeDelete, DN: mustDN(t, "uid=bob,dc=example,dc=com")}))

	data, err := os.ReadFile(path)
	if err == nil {
		assert.Empty(t, string(data))
	}
}

func TestAppendIncludesMatchingReplicaLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changelog")
	suffix := mustDN(t, "dc=example,dc=com")
	w := New(path, []ReplicaSuffix{{Host: "ldap://replica1", Suffix: suffix}})

	require.NoError(t, w.Append(Record{Type: ChangeDelete, DN: mustDN(t, "uid=bob,dc=example,dc=com")}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "replica: ldap://replica1")
}

func TestAppendModRDNRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changelog")
	w := New(path, nil)

	require.NoError(t, w.Append(Record{
		Type:         ChangeModRDN,
		DN:           mustDN(t, "uid=bob,dc=example,dc=com"),
		NewRDN:       "uid=bobby",
		DeleteOldRDN: true,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "newrdn: uid=bobby")
	assert.Contains(t, content, "deleteoldrdn: 1")
}

func TestAppendMultipleRecordsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changelog")
	w := New(path, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(Record{Type: ChangeDelete, DN: mustDN(t, "uid=bob,dc=example,dc=com")}))
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10, strings.Count(string(data), "changetype: delete"))
}
