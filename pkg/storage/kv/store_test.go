package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcastellor/dirstore/pkg/changelog"
	"github.com/rcastellor/dirstore/pkg/direrrors"
	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSuffix(t *testing.T) dn.DN {
	t.Helper()
	return mustDN(t, "dc=example,dc=com")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dirstore.db")
	indexed := IndexedAttrs{"uid": entry.SyntaxDirectoryString, "cn": entry.SyntaxDirectoryString}
	s, err := Open(path, testSuffix(t), indexed, 100, 5)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// addSuffixEntry adds the store's suffix entry, the parent every
// uid=...,dc=example,dc=com test entry needs.
func addSuffixEntry(t *testing.T, s *Store) {
	t.Helper()
	root := &entry.Entry{DN: testSuffix(t)}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, s.Add(context.Background(), nil, root))
}

func mustDN(t *testing.T, str string) dn.DN {
	t.Helper()
	d, err := dn.Parse(str)
	require.NoError(t, err)
	return d
}

func personEntry(t *testing.T, dnStr, cn, uid string) *entry.Entry {
	e := &entry.Entry{DN: mustDN(t, dnStr)}
	e.Set("objectClass", entry.SyntaxDirectoryString, "top", "person")
	e.Set("cn", entry.SyntaxDirectoryString, cn)
	e.Set("uid", entry.SyntaxDirectoryString, uid)
	return e
}

func TestAddAndGet(t *testing.T) {
	s := openTestStore(t)
	addSuffixEntry(t, s)
	ctx := context.Background()
	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")
	require.NoError(t, s.Add(ctx, nil, e))

	got, err := s.Get(ctx, e.DN)
	require.NoError(t, err)
	cn, _ := got.Get("cn")
	assert.Equal(t, []string{"Bob Smith"}, cn)
}

func TestAddDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	addSuffixEntry(t, s)
	ctx := context.Background()
	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")
	require.NoError(t, s.Add(ctx, nil, e))
	err := s.Add(ctx, nil, personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob"))
	assert.ErrorIs(t, err, direrrors.ErrAlreadyExists)
}

func TestAddMissingParentFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.Add(ctx, nil, personEntry(t, "uid=bob,ou=people,dc=example,dc=com", "Bob Smith", "bob"))
	assert.ErrorIs(t, err, direrrors.ErrNoSuchObject)
}

func TestDeleteNonLeafFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	parent := &entry.Entry{DN: mustDN(t, "dc=example,dc=com")}
	parent.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, s.Add(ctx, nil, parent))
	require.NoError(t, s.Add(ctx, nil, personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")))

	err := s.Delete(ctx, nil, parent.DN)
	assert.ErrorIs(t, err, direrrors.ErrNotAllowedOnNonLeaf)
}

func TestDeleteLeafSucceeds(t *testing.T) {
	s := openTestStore(t)
	addSuffixEntry(t, s)
	ctx := context.Background()
	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")
	require.NoError(t, s.Add(ctx, nil, e))
	require.NoError(t, s.Delete(ctx, nil, e.DN))

	_, err := s.Get(ctx, e.DN)
	assert.ErrorIs(t, err, direrrors.ErrNoSuchObject)
}

func TestModifyReplace(t *testing.T) {
	s := openTestStore(t)
	addSuffixEntry(t, s)
	ctx := context.Background()
	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")
	require.NoError(t, s.Add(ctx, nil, e))

	err := s.Modify(ctx, nil, e.DN, []storage.Modification{
		{Op: storage.ModReplace, Name: "cn", Syntax: entry.SyntaxDirectoryString, Values: []string{"Robert Smith"}},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, e.DN)
	require.NoError(t, err)
	cn, _ := got.Get("cn")
	assert.Equal(t, []string{"Robert Smith"}, cn)
}

func TestModRDNRenamesAndReindexes(t *testing.T) {
	s := openTestStore(t)
	addSuffixEntry(t, s)
	ctx := context.Background()
	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")
	require.NoError(t, s.Add(ctx, nil, e))

	newRDN := dn.RDN{dn.AVA{Type: "uid", Value: "bobby"}}
	require.NoError(t, s.ModRDN(ctx, nil, e.DN, newRDN, true, nil))

	_, err := s.Get(ctx, e.DN)
	assert.ErrorIs(t, err, direrrors.ErrNoSuchObject)

	newDN := mustDN(t, "uid=bobby,dc=example,dc=com")
	got, err := s.Get(ctx, newDN)
	require.NoError(t, err)
	uid, _ := got.Get("uid")
	assert.Equal(t, []string{"bobby"}, uid)
}

func TestSearchSubtree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root := &entry.Entry{DN: mustDN(t, "dc=example,dc=com")}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, s.Add(ctx, nil, root))
	require.NoError(t, s.Add(ctx, nil, personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")))
	require.NoError(t, s.Add(ctx, nil, personEntry(t, "uid=amy,dc=example,dc=com", "Amy Lee", "amy")))

	var seen []string
	err := s.Search(ctx, root.DN, storage.ScopeSubtree, func(e *entry.Entry) error {
		seen = append(seen, e.DN.String())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}

func TestSearchStopWalkIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root := &entry.Entry{DN: mustDN(t, "dc=example,dc=com")}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, s.Add(ctx, nil, root))
	require.NoError(t, s.Add(ctx, nil, personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")))

	count := 0
	err := s.Search(ctx, root.DN, storage.ScopeSubtree, func(e *entry.Entry) error {
		count++
		return direrrors.ErrStopWalk
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestDeadlockRetrySucceedsAfterInjectedConflicts exercises scenario
// S7: injected deadlocks on the dn2id write force the orchestrator
// through its retry/backoff loop before the add ultimately succeeds.
func TestDeadlockRetrySucceedsAfterInjectedConflicts(t *testing.T) {
	s := openTestStore(t)
	addSuffixEntry(t, s)
	ctx := context.Background()
	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")

	s.Env().InjectDeadlock("dn2id", e.DN.String(), 2)

	require.NoError(t, s.Add(ctx, nil, e))
	got, err := s.Get(ctx, e.DN)
	require.NoError(t, err)
	assert.True(t, got.DN.Equal(e.DN))
}

func TestDeadlockRetryRespectsMaxRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirstore.db")
	s, err := Open(path, testSuffix(t), IndexedAttrs{}, 10, 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	addSuffixEntry(t, s)

	ctx := context.Background()
	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")
	s.Env().InjectDeadlock("dn2id", e.DN.String(), 5)

	err = s.Add(ctx, nil, e)
	assert.Error(t, err)
	assert.True(t, direrrors.IsRetryable(err) || err != nil)
}

func TestCommittedMutationsAppendChangeLogRecords(t *testing.T) {
	s := openTestStore(t)
	addSuffixEntry(t, s)
	ctx := context.Background()
	logPath := filepath.Join(t.TempDir(), "changelog")
	s.SetChangeLog(changelog.New(logPath, nil))

	e := personEntry(t, "uid=bob,dc=example,dc=com", "Bob Smith", "bob")
	require.NoError(t, s.Add(ctx, nil, e))
	require.NoError(t, s.Modify(ctx, nil, e.DN, []storage.Modification{
		{Op: storage.ModReplace, Name: "cn", Syntax: entry.SyntaxDirectoryString, Values: []string{"Bobby Smith"}},
	}))
	renamed := dn.RDN{dn.AVA{Type: "uid", Value: "bobby"}}
	require.NoError(t, s.ModRDN(ctx, nil, e.DN, renamed, true, nil))
	newDN := mustDN(t, "uid=bobby,dc=example,dc=com")
	require.NoError(t, s.Delete(ctx, nil, newDN))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "changetype: add")
	assert.Contains(t, content, "changetype: modify")
	assert.Contains(t, content, "replace: cn")
	assert.Contains(t, content, "changetype: modrdn")
	assert.Contains(t, content, "newrdn: uid=bobby")
	assert.Contains(t, content, "changetype: delete")
}
