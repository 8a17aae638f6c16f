package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/docuvault/docuvault/pkg/permissions"
)

func newGrantCommand() *Command {
	cmd := &Command{
		Name:        "grant",
		Description: "Grant capabilities on a document to a user or role",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("grant", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		user := flags.String("user", "", "Target user principal")
		role := flags.String("role", "", "Target role name")
		caps := flags.String("caps", "read", "Comma separated capabilities (read,write,delete,share,admin)")
		expires := flags.String("expires", "", "Expiration as RFC3339 or a duration like 72h")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runGrant(*as, *id, *user, *role, *caps, *expires)
	}
	return cmd
}

func runGrant(as, id, user, role, caps, expires string) error {
	principal, err := principalFrom(as)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("--id is required")
	}

	capSet, err := parseCaps(caps)
	if err != nil {
		return err
	}

	perm := &permissions.Permission{
		DocumentID: id,
		Caps:       capSet,
	}
	if user != "" {
		perm.UserID = &user
	}
	if role != "" {
		perm.RoleName = &role
	}
	if expires != "" {
		expiresAt, err := parseExpiry(expires)
		if err != nil {
			return err
		}
		perm.ExpiresAt = &expiresAt
	}

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.repo.GrantPermission(ctx, principal, perm); err != nil {
		return err
	}
	fmt.Printf("Granted %s on %s\n", strings.Join(capNames(capSet), ","), id)
	return nil
}

func newRevokeCommand() *Command {
	cmd := &Command{
		Name:        "revoke",
		Description: "Revoke a user's or role's direct grant on a document",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("revoke", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		user := flags.String("user", "", "Target user principal")
		role := flags.String("role", "", "Target role name")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runRevoke(*as, *id, *user, *role)
	}
	return cmd
}

func runRevoke(as, id, user, role string) error {
	principal, err := principalFrom(as)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("--id is required")
	}

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.repo.RevokePermission(ctx, principal, id, user, role); err != nil {
		return err
	}
	fmt.Printf("Revoked grant on %s\n", id)
	return nil
}

func newPermissionsCommand() *Command {
	cmd := &Command{
		Name:        "permissions",
		Description: "List the grants on a document",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("permissions", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runPermissions(*as, *id)
	}
	return cmd
}

func runPermissions(as, id string) error {
	principal, err := principalFrom(as)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("--id is required")
	}

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	perms, err := eng.repo.ListPermissions(ctx, principal, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, p := range perms {
		target := "role:" + deref(p.RoleName)
		if p.UserID != nil {
			target = deref(p.UserID)
		}
		state := "active"
		if p.Expired(now) {
			state = "expired"
		}
		fmt.Printf("%-40s %-30s %s\n", target, strings.Join(capNames(p.Caps), ","), state)
	}
	return nil
}

func parseCaps(value string) (permissions.CapabilitySet, error) {
	var set permissions.CapabilitySet
	for _, name := range strings.Split(value, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "read":
			set.Read = true
		case "write":
			set.Write = true
		case "delete":
			set.Delete = true
		case "share":
			set.Share = true
		case "admin":
			set.Admin = true
		case "":
		default:
			return set, fmt.Errorf("unknown capability: %s", name)
		}
	}
	if set.IsEmpty() {
		return set, fmt.Errorf("at least one capability is required")
	}
	return set, nil
}

func parseExpiry(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiration %q: use RFC3339 or a duration", value)
	}
	return time.Now().UTC().Add(d), nil
}

func capNames(set permissions.CapabilitySet) []string {
	names := make([]string, 0, 5)
	for _, c := range set.List() {
		names = append(names, string(c))
	}
	return names
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
