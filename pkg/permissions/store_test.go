package permissions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, m := range GetMigrations() {
		_, err := db.Exec(m.SQL)
		require.NoError(t, err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func userGrant(doc, user string, caps CapabilitySet) *Permission {
	return &Permission{
		DocumentID: doc,
		UserID:     strPtr(user),
		Caps:       caps,
		GrantedBy:  "user:owner",
	}
}

func roleGrant(doc, role string, caps CapabilitySet) *Permission {
	return &Permission{
		DocumentID: doc,
		RoleName:   strPtr(role),
		Caps:       caps,
		GrantedBy:  "user:owner",
	}
}

func TestGrantAndList(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Read: true, Write: true})))
	require.NoError(t, store.Grant(ctx, roleGrant("doc-1", "editor", CapabilitySet{Read: true})))

	perms, err := store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, "user:bob", *perms[0].UserID)
	assert.True(t, perms[0].Caps.Write)
	assert.Equal(t, "editor", *perms[1].RoleName)
	assert.False(t, perms[1].Inherited)
}

func TestGrantValidation(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	t.Run("both targets", func(t *testing.T) {
		p := userGrant("doc-1", "user:bob", CapabilitySet{Read: true})
		p.RoleName = strPtr("editor")
		assert.ErrorIs(t, store.Grant(ctx, p), ErrValidation)
	})

	t.Run("no target", func(t *testing.T) {
		p := &Permission{DocumentID: "doc-1", Caps: CapabilitySet{Read: true}, GrantedBy: "user:owner"}
		assert.ErrorIs(t, store.Grant(ctx, p), ErrValidation)
	})

	t.Run("no capabilities", func(t *testing.T) {
		p := userGrant("doc-1", "user:bob", CapabilitySet{})
		assert.ErrorIs(t, store.Grant(ctx, p), ErrValidation)
	})

	t.Run("expiry before grant", func(t *testing.T) {
		p := userGrant("doc-1", "user:bob", CapabilitySet{Read: true})
		p.GrantedAt = time.Now()
		past := p.GrantedAt.Add(-time.Hour)
		p.ExpiresAt = &past
		assert.ErrorIs(t, store.Grant(ctx, p), ErrValidation)
	})

	t.Run("expiry equal to grant", func(t *testing.T) {
		p := userGrant("doc-1", "user:bob", CapabilitySet{Read: true})
		p.GrantedAt = time.Now()
		same := p.GrantedAt
		p.ExpiresAt = &same
		assert.ErrorIs(t, store.Grant(ctx, p), ErrValidation)
	})
}

func TestGrantReplacesExistingDirectRow(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Read: true})))
	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Read: true, Share: true})))

	perms, err := store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, perms, 1, "re-granting must replace, not duplicate")
	assert.True(t, perms[0].Caps.Share)
}

func TestRevoke(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Read: true})))
	require.NoError(t, store.Grant(ctx, roleGrant("doc-1", "editor", CapabilitySet{Write: true})))

	require.NoError(t, store.RevokeUser(ctx, "doc-1", "user:bob"))
	require.NoError(t, store.RevokeRole(ctx, "doc-1", "editor"))

	perms, err := store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, perms)

	assert.ErrorIs(t, store.RevokeUser(ctx, "doc-1", "user:bob"), ErrNotFound)
}

func TestReplaceInherited(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	// Direct grant stays untouched by propagation
	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Read: true})))

	first := []*Permission{
		{UserID: strPtr("user:carol"), Caps: CapabilitySet{Read: true}, GrantedBy: "system:propagation"},
		{RoleName: strPtr("viewer"), Caps: CapabilitySet{Read: true}, GrantedBy: "system:propagation"},
	}
	require.NoError(t, store.ReplaceInherited(ctx, "doc-1", SourceFolder, "folder-9", first))

	perms, err := store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, perms, 3)

	// Re-propagating the same scope replaces its rows wholesale
	second := []*Permission{
		{UserID: strPtr("user:dave"), Caps: CapabilitySet{Read: true, Write: true}, GrantedBy: "system:propagation"},
	}
	require.NoError(t, store.ReplaceInherited(ctx, "doc-1", SourceFolder, "folder-9", second))

	perms, err = store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, perms, 2)

	var inherited *Permission
	for _, p := range perms {
		if p.Inherited {
			inherited = p
		}
	}
	require.NotNil(t, inherited)
	assert.Equal(t, "user:dave", *inherited.UserID)
	assert.Equal(t, SourceFolder, inherited.SourceType)
	assert.Equal(t, "folder-9", inherited.SourceID)
}

func TestReplaceInheritedFailureKeepsExistingRows(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	seed := []*Permission{
		{UserID: strPtr("user:carol"), Caps: CapabilitySet{Read: true}, GrantedBy: "system:propagation"},
	}
	require.NoError(t, store.ReplaceInherited(ctx, "doc-1", SourceFolder, "folder-9", seed))

	// Second row is invalid, so the replacement is rejected up front
	bad := []*Permission{
		{UserID: strPtr("user:dave"), Caps: CapabilitySet{Read: true}, GrantedBy: "system:propagation"},
		{UserID: strPtr("user:erin"), GrantedBy: "system:propagation"},
	}
	err := store.ReplaceInherited(ctx, "doc-1", SourceFolder, "folder-9", bad)
	require.ErrorIs(t, err, ErrValidation)

	perms, err := store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "user:carol", *perms[0].UserID)

	// A mid-write failure rolls the whole replacement back
	dup := []*Permission{
		{ID: "row-1", UserID: strPtr("user:dave"), Caps: CapabilitySet{Read: true}, GrantedBy: "system:propagation"},
		{ID: "row-1", UserID: strPtr("user:erin"), Caps: CapabilitySet{Read: true}, GrantedBy: "system:propagation"},
	}
	err = store.ReplaceInherited(ctx, "doc-1", SourceFolder, "folder-9", dup)
	require.Error(t, err)

	perms, err = store.ListForDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "user:carol", *perms[0].UserID)
}

func TestCapabilitySet(t *testing.T) {
	a := CapabilitySet{Read: true}
	b := CapabilitySet{Write: true, Admin: true}

	union := a.Union(b)
	assert.True(t, union.Read)
	assert.True(t, union.Write)
	assert.True(t, union.Admin)
	assert.False(t, union.Delete)

	assert.True(t, CapabilitySet{}.IsEmpty())
	assert.False(t, union.IsEmpty())

	assert.Equal(t, []Capability{CapabilityAdmin, CapabilityRead, CapabilityWrite}, union.List())

	// Admin does not imply delete
	assert.False(t, CapabilitySet{Admin: true}.Has(CapabilityDelete))
}
