package permissions

import (
	"context"
	"fmt"
)

// Scope is a container (folder, workspace, organization) from which
// documents inherit permissions. Inherited rows on a document are a
// cache of the scope's grants, rewritten on propagation events rather
// than resolved on every read.
type Scope interface {
	// ScopeType returns the scope kind
	ScopeType() SourceType

	// ScopeID returns the scope's identity
	ScopeID() string

	// Grants returns the scope's current grants to mirror onto
	// contained documents.
	Grants(ctx context.Context) ([]*ScopeGrant, error)
}

// ScopeGrant is one grant held at a scope, to be mirrored as an
// inherited permission row.
type ScopeGrant struct {
	UserID    *string
	RoleName  *string
	Caps      CapabilitySet
	GrantedBy string
}

// Propagator rewrites documents' cached inherited rows when a scope's
// grants change.
type Propagator struct {
	store    *Store
	resolver *Resolver
}

// NewPropagator creates a propagator. resolver may be nil when no cache
// invalidation is needed.
func NewPropagator(store *Store, resolver *Resolver) *Propagator {
	return &Propagator{store: store, resolver: resolver}
}

// Propagate replaces the inherited rows on each document with the
// scope's current grants and invalidates affected cache entries.
func (p *Propagator) Propagate(ctx context.Context, scope Scope, documentIDs []string) error {
	grants, err := scope.Grants(ctx)
	if err != nil {
		return fmt.Errorf("failed to read scope grants: %w", err)
	}

	for _, documentID := range documentIDs {
		rows := make([]*Permission, 0, len(grants))
		for _, g := range grants {
			rows = append(rows, &Permission{
				UserID:    g.UserID,
				RoleName:  g.RoleName,
				Caps:      g.Caps,
				GrantedBy: g.GrantedBy,
			})
		}

		if err := p.store.ReplaceInherited(ctx, documentID, scope.ScopeType(), scope.ScopeID(), rows); err != nil {
			return fmt.Errorf("failed to propagate to document %s: %w", documentID, err)
		}
		if p.resolver != nil {
			p.resolver.Invalidate(ctx, documentID)
		}
	}

	return nil
}
