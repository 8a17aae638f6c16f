package cli

import (
	"context"
	"flag"
	"fmt"
)

func newAuditCommand() *Command {
	cmd := &Command{
		Name:        "audit",
		Description: "Show the audit trail of a document",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("audit", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runAudit(*as, *id)
	}
	return cmd
}

func runAudit(as, id string) error {
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

	entries, err := eng.repo.AuditHistory(ctx, principal, id)
	if err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Printf("%s  %-10s %-8s %-30s %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Outcome, e.Actor, e.Message)
	}
	return nil
}
