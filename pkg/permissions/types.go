// Package permissions implements fine-grained document access control:
// direct user grants, role grants, and cached inherited grants from
// containing scopes, with passive expiration and additive union
// resolution.
package permissions

import (
	"fmt"
	"sort"
	"time"
)

// Capability is a single grantable flag
type Capability string

const (
	CapabilityRead   Capability = "read"
	CapabilityWrite  Capability = "write"
	CapabilityDelete Capability = "delete"
	CapabilityShare  Capability = "share"
	CapabilityAdmin  Capability = "admin"
)

// CapabilitySet is the set of capabilities a principal holds on a
// document. Flags are independent: admin does not imply delete.
type CapabilitySet struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Delete bool `json:"delete"`
	Share  bool `json:"share"`
	Admin  bool `json:"admin"`
}

// Has reports whether the set contains the capability
func (c CapabilitySet) Has(capability Capability) bool {
	switch capability {
	case CapabilityRead:
		return c.Read
	case CapabilityWrite:
		return c.Write
	case CapabilityDelete:
		return c.Delete
	case CapabilityShare:
		return c.Share
	case CapabilityAdmin:
		return c.Admin
	default:
		return false
	}
}

// Union returns the additive combination of two sets
func (c CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	return CapabilitySet{
		Read:   c.Read || other.Read,
		Write:  c.Write || other.Write,
		Delete: c.Delete || other.Delete,
		Share:  c.Share || other.Share,
		Admin:  c.Admin || other.Admin,
	}
}

// IsEmpty reports whether no capability is granted
func (c CapabilitySet) IsEmpty() bool {
	return !c.Read && !c.Write && !c.Delete && !c.Share && !c.Admin
}

// List returns the granted capabilities in a stable order
func (c CapabilitySet) List() []Capability {
	var caps []Capability
	if c.Read {
		caps = append(caps, CapabilityRead)
	}
	if c.Write {
		caps = append(caps, CapabilityWrite)
	}
	if c.Delete {
		caps = append(caps, CapabilityDelete)
	}
	if c.Share {
		caps = append(caps, CapabilityShare)
	}
	if c.Admin {
		caps = append(caps, CapabilityAdmin)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// SourceType identifies the scope kind an inherited permission came from
type SourceType string

const (
	SourceFolder       SourceType = "folder"
	SourceWorkspace    SourceType = "workspace"
	SourceOrganization SourceType = "organization"
)

// Permission is one grant row on a document. Exactly one of UserID and
// RoleName is set. Inherited rows cache the result of scope propagation
// and carry the originating scope's type and id.
type Permission struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	UserID     *string       `json:"user_id,omitempty"`
	RoleName   *string       `json:"role_name,omitempty"`
	Caps       CapabilitySet `json:"capabilities"`
	GrantedBy  string        `json:"granted_by"`
	GrantedAt  time.Time     `json:"granted_at"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	Inherited  bool          `json:"inherited"`
	SourceType SourceType    `json:"source_type,omitempty"`
	SourceID   string        `json:"source_id,omitempty"`
}

// Validate checks the permission invariants
func (p *Permission) Validate() error {
	hasUser := p.UserID != nil && *p.UserID != ""
	hasRole := p.RoleName != nil && *p.RoleName != ""
	if hasUser == hasRole {
		return fmt.Errorf("%w: permission must target exactly one of user or role", ErrValidation)
	}
	if p.Caps.IsEmpty() {
		return fmt.Errorf("%w: at least one capability must be granted", ErrValidation)
	}
	if p.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if p.GrantedBy == "" {
		return fmt.Errorf("%w: grantor is required", ErrValidation)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(p.GrantedAt) {
		return fmt.Errorf("%w: expiration must be strictly after grant time", ErrValidation)
	}
	if p.Inherited && (p.SourceType == "" || p.SourceID == "") {
		return fmt.Errorf("%w: inherited permission requires source type and id", ErrValidation)
	}
	if !p.Inherited && (p.SourceType != "" || p.SourceID != "") {
		return fmt.Errorf("%w: direct permission must not carry a source", ErrValidation)
	}
	return nil
}

// Expired reports whether the permission has passively expired at now
func (p *Permission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}
