package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/docuvault/docuvault/pkg/identity"
	"github.com/docuvault/docuvault/pkg/observability"
)

// DocumentChecker answers whether a live document exists. Satisfied by
// the document store; the resolver needs it to distinguish "not found"
// from "no access".
type DocumentChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Resolver computes a principal's effective capabilities on a document
type Resolver struct {
	store    *Store
	identity identity.Provider
	docs     DocumentChecker
	cache    *Cache
	metrics  *observability.Metrics
}

// NewResolver creates a permission resolver. cache and metrics may be nil.
func NewResolver(store *Store, provider identity.Provider, docs DocumentChecker, cache *Cache, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:    store,
		identity: provider,
		docs:     docs,
		cache:    cache,
		metrics:  metrics,
	}
}

// ResolveAccess returns the union of capabilities across all surviving
// permission rows that apply to the principal: direct user grants, role
// grants for any role the principal holds, and cached inherited rows,
// with expired rows discarded. Grants are additive only; there is no
// deny. A missing document returns ErrNotFound; an existing document
// with no applicable rows returns the empty set.
func (r *Resolver) ResolveAccess(ctx context.Context, documentID, principal string) (CapabilitySet, error) {
	exists, err := r.docs.Exists(ctx, documentID)
	if err != nil {
		return CapabilitySet{}, fmt.Errorf("failed to check document: %w", err)
	}
	if !exists {
		return CapabilitySet{}, ErrNotFound
	}

	if r.cache != nil {
		if caps, ok := r.cache.Get(ctx, documentID, principal); ok {
			if r.metrics != nil {
				r.metrics.PermissionCacheHits.Inc()
			}
			return caps, nil
		}
		if r.metrics != nil {
			r.metrics.PermissionCacheMisses.Inc()
		}
	}

	roles, err := r.identity.PrincipalRoles(ctx, principal)
	if err != nil {
		return CapabilitySet{}, fmt.Errorf("failed to get principal roles: %w", err)
	}
	roleSet := make(map[string]bool, len(roles))
	for _, role := range roles {
		roleSet[role] = true
	}

	rows, err := r.store.ListForDocument(ctx, documentID)
	if err != nil {
		return CapabilitySet{}, err
	}

	now := time.Now().UTC()
	var caps CapabilitySet
	for _, p := range rows {
		if p.Expired(now) {
			continue
		}
		if p.UserID != nil && *p.UserID == principal {
			caps = caps.Union(p.Caps)
			continue
		}
		if p.RoleName != nil && roleSet[*p.RoleName] {
			caps = caps.Union(p.Caps)
		}
	}

	if r.cache != nil {
		r.cache.Set(ctx, documentID, principal, caps)
	}

	return caps, nil
}

// Check reports whether the principal holds one capability on the
// document. Errors and missing documents both report as denied; the
// caller distinguishes 404 from 403 via ResolveAccess when needed.
func (r *Resolver) Check(ctx context.Context, documentID, principal string, capability Capability) (bool, error) {
	caps, err := r.ResolveAccess(ctx, documentID, principal)
	if err != nil {
		return false, err
	}

	allowed := caps.Has(capability)
	if r.metrics != nil {
		outcome := "denied"
		if allowed {
			outcome = "granted"
		}
		r.metrics.PermissionChecksTotal.WithLabelValues(outcome).Inc()
	}
	return allowed, nil
}

// Invalidate drops cached resolutions for a document after its grants
// change.
func (r *Resolver) Invalidate(ctx context.Context, documentID string) {
	if r.cache != nil {
		r.cache.InvalidateDocument(ctx, documentID)
	}
}
