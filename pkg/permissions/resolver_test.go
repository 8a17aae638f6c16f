package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvault/docuvault/pkg/identity"
)

// fakeDocs reports the configured document ids as existing
type fakeDocs struct {
	existing map[string]bool
}

func (f *fakeDocs) Exists(ctx context.Context, id string) (bool, error) {
	return f.existing[id], nil
}

func newTestResolver(t *testing.T, roles map[string][]string, docs ...string) (*Resolver, *Store) {
	t.Helper()
	store := NewStore(setupTestDB(t))
	existing := make(map[string]bool)
	for _, d := range docs {
		existing[d] = true
	}
	resolver := NewResolver(store, identity.NewStaticProvider(roles), &fakeDocs{existing: existing}, nil, nil)
	return resolver, store
}

func TestResolveAccessDirectGrant(t *testing.T) {
	resolver, store := newTestResolver(t, nil, "doc-1")
	ctx := context.Background()

	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Read: true, Write: true})))

	caps, err := resolver.ResolveAccess(ctx, "doc-1", "user:bob")
	require.NoError(t, err)
	assert.True(t, caps.Read)
	assert.True(t, caps.Write)
	assert.False(t, caps.Admin)
}

func TestResolveAccessRoleGrant(t *testing.T) {
	resolver, store := newTestResolver(t, map[string][]string{
		"user:pat": {"editor"},
	}, "doc-1")
	ctx := context.Background()

	require.NoError(t, store.Grant(ctx, roleGrant("doc-1", "editor", CapabilitySet{Read: true, Write: true})))

	caps, err := resolver.ResolveAccess(ctx, "doc-1", "user:pat")
	require.NoError(t, err)
	assert.True(t, caps.Read)
	assert.True(t, caps.Write)

	// A principal without the role gets nothing
	caps, err = resolver.ResolveAccess(ctx, "doc-1", "user:outsider")
	require.NoError(t, err)
	assert.True(t, caps.IsEmpty())
}

func TestResolveAccessUnionsAllSources(t *testing.T) {
	resolver, store := newTestResolver(t, map[string][]string{
		"user:bob": {"viewer"},
	}, "doc-1")
	ctx := context.Background()

	// Direct grant, role grant, and an inherited row all contribute
	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Write: true})))
	require.NoError(t, store.Grant(ctx, roleGrant("doc-1", "viewer", CapabilitySet{Read: true})))
	require.NoError(t, store.ReplaceInherited(ctx, "doc-1", SourceWorkspace, "ws-1", []*Permission{
		{UserID: strPtr("user:bob"), Caps: CapabilitySet{Share: true}, GrantedBy: "system:propagation"},
	}))

	caps, err := resolver.ResolveAccess(ctx, "doc-1", "user:bob")
	require.NoError(t, err)
	assert.True(t, caps.Read)
	assert.True(t, caps.Write)
	assert.True(t, caps.Share)
	assert.False(t, caps.Delete)
	assert.False(t, caps.Admin)
}

func TestResolveAccessExpiredGrantIgnored(t *testing.T) {
	resolver, store := newTestResolver(t, map[string][]string{
		"user:pat": {"editor"},
	}, "doc-1")
	ctx := context.Background()

	p := roleGrant("doc-1", "editor", CapabilitySet{Read: true, Write: true})
	p.GrantedAt = time.Now().Add(-48 * time.Hour)
	yesterday := time.Now().Add(-24 * time.Hour)
	p.ExpiresAt = &yesterday
	require.NoError(t, store.Grant(ctx, p))

	caps, err := resolver.ResolveAccess(ctx, "doc-1", "user:pat")
	require.NoError(t, err)
	assert.True(t, caps.IsEmpty(), "expired grant must not contribute")
}

func TestResolveAccessMissingDocument(t *testing.T) {
	resolver, _ := newTestResolver(t, nil)

	_, err := resolver.ResolveAccess(context.Background(), "missing", "user:bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveAccessEmptyVsNotFound(t *testing.T) {
	resolver, _ := newTestResolver(t, nil, "doc-1")

	// Existing document, no grants: empty set, no error
	caps, err := resolver.ResolveAccess(context.Background(), "doc-1", "user:bob")
	require.NoError(t, err)
	assert.True(t, caps.IsEmpty())
}

func TestCheck(t *testing.T) {
	resolver, store := newTestResolver(t, nil, "doc-1")
	ctx := context.Background()

	require.NoError(t, store.Grant(ctx, userGrant("doc-1", "user:bob", CapabilitySet{Read: true, Admin: true})))

	ok, err := resolver.Check(ctx, "doc-1", "user:bob", CapabilityRead)
	require.NoError(t, err)
	assert.True(t, ok)

	// Admin does not imply delete
	ok, err = resolver.Check(ctx, "doc-1", "user:bob", CapabilityDelete)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPropagator(t *testing.T) {
	resolver, store := newTestResolver(t, nil, "doc-1", "doc-2")
	ctx := context.Background()

	scope := &staticScope{
		kind: SourceFolder,
		id:   "folder-1",
		grants: []*ScopeGrant{
			{UserID: strPtr("user:carol"), Caps: CapabilitySet{Read: true}, GrantedBy: "system:propagation"},
		},
	}

	propagator := NewPropagator(store, resolver)
	require.NoError(t, propagator.Propagate(ctx, scope, []string{"doc-1", "doc-2"}))

	for _, doc := range []string{"doc-1", "doc-2"} {
		caps, err := resolver.ResolveAccess(ctx, doc, "user:carol")
		require.NoError(t, err)
		assert.True(t, caps.Read, doc)
	}
}

type staticScope struct {
	kind   SourceType
	id     string
	grants []*ScopeGrant
}

func (s *staticScope) ScopeType() SourceType { return s.kind }
func (s *staticScope) ScopeID() string       { return s.id }
func (s *staticScope) Grants(ctx context.Context) ([]*ScopeGrant, error) {
	return s.grants, nil
}
