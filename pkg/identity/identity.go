// Package identity resolves principals to the roles they hold. The engine
// does not authenticate anyone; callers arrive with an already-verified
// principal identifier, and this package only answers role-membership
// questions for permission resolution.
package identity

import (
	"context"
	"sync"
)

// Provider answers role-membership queries for principals.
type Provider interface {
	// PrincipalRoles returns the role names held by the principal. An
	// unknown principal has no roles; that is not an error.
	PrincipalRoles(ctx context.Context, principal string) ([]string, error)
}

// StaticProvider is an in-memory Provider backed by an explicit
// principal-to-roles map. Suitable for tests and single-tenant
// deployments configured from a file.
type StaticProvider struct {
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticProvider creates a StaticProvider from a principal-to-roles map.
func NewStaticProvider(roles map[string][]string) *StaticProvider {
	copied := make(map[string][]string, len(roles))
	for principal, rs := range roles {
		copied[principal] = append([]string(nil), rs...)
	}
	return &StaticProvider{roles: copied}
}

// PrincipalRoles returns the roles assigned to the principal.
func (p *StaticProvider) PrincipalRoles(ctx context.Context, principal string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.roles[principal]...), nil
}

// AssignRole adds a role to a principal.
func (p *StaticProvider) AssignRole(principal, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.roles[principal] {
		if r == role {
			return
		}
	}
	p.roles[principal] = append(p.roles[principal], role)
}

// RemoveRole removes a role from a principal.
func (p *StaticProvider) RemoveRole(principal, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.roles[principal]
	for i, r := range rs {
		if r == role {
			p.roles[principal] = append(rs[:i], rs[i+1:]...)
			return
		}
	}
}
