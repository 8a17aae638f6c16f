// Package cli implements the docuvault admin command line. Commands act
// through the repository facade, so every operation is permission
// checked and audited exactly like a call from the serving layer.
package cli

import (
	"flag"
	"fmt"
	"os"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "docuvault",
		Description: "DocuVault - Document Repository Admin CLI",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("docuvault", flag.ExitOnError),
	}

	root.Subcommands["upload"] = newUploadCommand()
	root.Subcommands["get"] = newGetCommand()
	root.Subcommands["download"] = newDownloadCommand()
	root.Subcommands["delete"] = newDeleteCommand()
	root.Subcommands["grant"] = newGrantCommand()
	root.Subcommands["revoke"] = newRevokeCommand()
	root.Subcommands["permissions"] = newPermissionsCommand()
	root.Subcommands["process"] = newProcessCommand()
	root.Subcommands["job"] = newJobCommand()
	root.Subcommands["audit"] = newAuditCommand()

	return root
}

// Execute runs the command
func (c *Command) Execute() error {
	args := os.Args[1:]
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	for name, cmd := range c.Subcommands {
		fmt.Printf("  %-15s %s\n", name, cmd.Description)
	}
	fmt.Printf("\nThe acting principal comes from --as or DOCUVAULT_PRINCIPAL.\n")
	return nil
}
