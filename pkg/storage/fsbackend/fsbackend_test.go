package fsbackend

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

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(t.TempDir(), mustDN(t, "dc=example,dc=com"))
	require.NoError(t, err)
	return b
}

func mustDN(t *testing.T, s string) dn.DN {
	t.Helper()
	d, err := dn.Parse(s)
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

func TestAddCreatesEntryFile(t *testing.T) {
	b := openTestBackend(t)
	suffix := mustDN(t, "dc=example,dc=com")
	e := &entry.Entry{DN: suffix}
	e.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")

	require.NoError(t, b.Add(context.Background(), nil, e))

	_, err := os.Stat(b.entryPath(suffix))
	assert.NoError(t, err)
}

func TestAddUnderSuffixAndGet(t *testing.T) {
	b := openTestBackend(t)
	suffix := mustDN(t, "dc=example,dc=com")
	root := &entry.Entry{DN: suffix}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, b.Add(context.Background(), nil, root))

	child := personEntry(t, "cn=alice,dc=example,dc=com", "alice", "alice")
	require.NoError(t, b.Add(context.Background(), nil, child))

	got, err := b.Get(context.Background(), child.DN)
	require.NoError(t, err)
	vals, ok := got.Get("cn")
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, vals)
}

func TestAddDuplicateFails(t *testing.T) {
	b := openTestBackend(t)
	suffix := mustDN(t, "dc=example,dc=com")
	root := &entry.Entry{DN: suffix}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, b.Add(context.Background(), nil, root))
	require.ErrorIs(t, b.Add(context.Background(), nil, root), direrrors.ErrAlreadyExists)
}

func TestAddMissingParentFails(t *testing.T) {
	b := openTestBackend(t)
	orphan := personEntry(t, "cn=alice,dc=example,dc=com", "alice", "alice")
	err := b.Add(context.Background(), nil, orphan)
	assert.ErrorIs(t, err, direrrors.ErrNoSuchObject)
}

func setupTree(t *testing.T, b *Backend) (suffix dn.DN, alice dn.DN) {
	suffix = mustDN(t, "dc=example,dc=com")
	root := &entry.Entry{DN: suffix}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, b.Add(context.Background(), nil, root))

	alice = mustDN(t, "cn=alice,dc=example,dc=com")
	require.NoError(t, b.Add(context.Background(), nil, personEntry(t, "cn=alice,dc=example,dc=com", "alice", "alice")))
	return suffix, alice
}

func TestDeleteNonLeafFails(t *testing.T) {
	b := openTestBackend(t)
	suffix, _ := setupTree(t, b)
	err := b.Delete(context.Background(), nil, suffix)
	assert.ErrorIs(t, err, direrrors.ErrNotAllowedOnNonLeaf)
}

func TestDeleteLeafSucceeds(t *testing.T) {
	b := openTestBackend(t)
	_, alice := setupTree(t, b)
	require.NoError(t, b.Delete(context.Background(), nil, alice))
	_, err := b.Get(context.Background(), alice)
	assert.ErrorIs(t, err, direrrors.ErrNoSuchObject)
}

func TestModifyReplace(t *testing.T) {
	b := openTestBackend(t)
	_, alice := setupTree(t, b)

	mods := []storage.Modification{
		{Op: storage.ModReplace, Name: "cn", Syntax: entry.SyntaxDirectoryString, Values: []string{"alicia"}},
	}
	require.NoError(t, b.Modify(context.Background(), nil, alice, mods))

	got, err := b.Get(context.Background(), alice)
	require.NoError(t, err)
	vals, _ := got.Get("cn")
	assert.Equal(t, []string{"alicia"}, vals)
}

func TestModRDNRenamesEntryFile(t *testing.T) {
	b := openTestBackend(t)
	_, alice := setupTree(t, b)

	newRDN := dn.RDN{dn.AVA{Type: "cn", Value: "ali"}}
	require.NoError(t, b.ModRDN(context.Background(), nil, alice, newRDN, true, nil))

	newDN := mustDN(t, "cn=ali,dc=example,dc=com")
	got, err := b.Get(context.Background(), newDN)
	require.NoError(t, err)
	vals, _ := got.Get("cn")
	assert.Contains(t, vals, "ali")

	_, err = b.Get(context.Background(), alice)
	assert.ErrorIs(t, err, direrrors.ErrNoSuchObject)
}

func TestModRDNPreservesChildren(t *testing.T) {
	b := openTestBackend(t)
	suffix, alice := setupTree(t, b)
	_ = suffix
	grandchild := mustDN(t, "ou=docs,cn=alice,dc=example,dc=com")
	gc := &entry.Entry{DN: grandchild}
	gc.Set("objectClass", entry.SyntaxDirectoryString, "top", "organizationalUnit")
	require.NoError(t, b.Add(context.Background(), nil, gc))

	newRDN := dn.RDN{dn.AVA{Type: "cn", Value: "ali"}}
	require.NoError(t, b.ModRDN(context.Background(), nil, alice, newRDN, true, nil))

	movedGrandchild := mustDN(t, "ou=docs,cn=ali,dc=example,dc=com")
	_, err := b.Get(context.Background(), movedGrandchild)
	assert.NoError(t, err)
}

func TestSearchSubtree(t *testing.T) {
	b := openTestBackend(t)
	suffix, _ := setupTree(t, b)

	var seen []string
	err := b.Search(context.Background(), suffix, storage.ScopeSubtree, func(e *entry.Entry) error {
		seen = append(seen, e.DN.String())
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, seen, []string{
		"dc=example,dc=com",
		"cn=alice,dc=example,dc=com",
	})
}

func TestSearchStopWalkIsNotAnError(t *testing.T) {
	b := openTestBackend(t)
	suffix, _ := setupTree(t, b)

	count := 0
	err := b.Search(context.Background(), suffix, storage.ScopeSubtree, func(e *entry.Entry) error {
		count++
		return direrrors.ErrStopWalk
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReferralOnLookup(t *testing.T) {
	b := openTestBackend(t)
	suffix := mustDN(t, "dc=example,dc=com")
	root := &entry.Entry{DN: suffix}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, b.Add(context.Background(), nil, root))

	refDN := mustDN(t, "ou=elsewhere,dc=example,dc=com")
	ref := &entry.Entry{DN: refDN}
	ref.Set("objectClass", entry.SyntaxDirectoryString, "top", "referral")
	ref.Set("ref", entry.SyntaxDirectoryString, "ldap://other.example.com/ou=elsewhere,dc=example,dc=com")
	require.NoError(t, b.Add(context.Background(), nil, ref))

	missing := mustDN(t, "cn=bob,ou=elsewhere,dc=example,dc=com")
	_, err := b.Get(context.Background(), missing)
	var refErr *direrrors.ReferralError
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, refDN.String(), refErr.Matched)
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	b := openTestBackend(t)
	suffix, _ := setupTree(t, b)
	_ = suffix

	err := filepath.WalkDir(b.base, func(path string, de os.DirEntry, err error) error {
		require.NoError(t, err)
		assert.NotContains(t, de.Name(), ".tmp")
		return nil
	})
	require.NoError(t, err)
}

func TestToolModeFirstNextAndPut(t *testing.T) {
	b := openTestBackend(t)
	suffix, alice := setupTree(t, b)
	_ = alice

	cur := b.OpenToolMode()
	require.NoError(t, cur.Open())
	defer cur.Close()

	var names []string
	for e, ok, err := cur.First(); ; e, ok, err = cur.Next() {
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, e.DN.String())
	}
	assert.ElementsMatch(t, names, []string{
		suffix.String(),
		"cn=alice,dc=example,dc=com",
	})

	newDN := mustDN(t, "cn=carol,dc=example,dc=com")
	require.NoError(t, cur.Put(&entry.Entry{DN: newDN}))
	got, err := cur.Get(newDN)
	require.NoError(t, err)
	assert.Equal(t, newDN.String(), got.DN.String())
}

func TestDirPath(t *testing.T) {
	b := openTestBackend(t)
	suffix := mustDN(t, "dc=example,dc=com")
	assert.Equal(t, filepath.Join(b.base, "dc%3Dcom", "dc%3Dexample"), b.dirPath(suffix))
}

func TestCommittedMutationsAppendChangeLogRecords(t *testing.T) {
	b := openTestBackend(t)
	logPath := filepath.Join(t.TempDir(), "changelog")
	b.SetChangeLog(changelog.New(logPath, nil))
	ctx := context.Background()

	suffix := mustDN(t, "dc=example,dc=com")
	root := &entry.Entry{DN: suffix}
	root.Set("objectClass", entry.SyntaxDirectoryString, "top", "domain")
	require.NoError(t, b.Add(ctx, nil, root))

	child := personEntry(t, "cn=alice,dc=example,dc=com", "alice", "alice")
	require.NoError(t, b.Add(ctx, nil, child))

	require.NoError(t, b.Modify(ctx, nil, child.DN, []storage.Modification{
		{Op: storage.ModReplace, Name: "cn", Syntax: entry.SyntaxDirectoryString, Values: []string{"alice2"}},
	}))

	newRDN := dn.RDN{dn.AVA{Type: "cn", Value: "ali"}}
	require.NoError(t, b.ModRDN(ctx, nil, child.DN, newRDN, true, nil))
	renamedDN := mustDN(t, "cn=ali,dc=example,dc=com")
	require.NoError(t, b.Delete(ctx, nil, renamedDN))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "changetype: add")
	assert.Contains(t, content, "changetype: modify")
	assert.Contains(t, content, "replace: cn")
	assert.Contains(t, content, "changetype: modrdn")
	assert.Contains(t, content, "newrdn: cn=ali")
	assert.Contains(t, content, "changetype: delete")
}
