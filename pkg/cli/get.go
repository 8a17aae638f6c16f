package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

func newGetCommand() *Command {
	cmd := &Command{
		Name:        "get",
		Description: "Show document metadata and versions",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("get", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runGet(*as, *id)
	}
	return cmd
}

func runGet(as, id string) error {
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

	doc, err := eng.repo.GetDocument(ctx, principal, id)
	if err != nil {
		return err
	}
	versions, err := eng.repo.ListVersions(ctx, principal, id)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return err
	}
	fmt.Printf("Versions: %d\n", len(versions))
	for _, v := range versions {
		fmt.Printf("  v%d  %s  %d bytes  %s\n", v.VersionNumber, v.Filename, v.SizeBytes, v.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func newDownloadCommand() *Command {
	cmd := &Command{
		Name:        "download",
		Description: "Download document content",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("download", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		out := flags.String("out", "", "Output path (defaults to the stored filename)")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runDownload(*as, *id, *out)
	}
	return cmd
}

func runDownload(as, id, out string) error {
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

	reader, doc, err := eng.repo.Download(ctx, principal, id)
	if err != nil {
		return err
	}
	defer reader.Close()

	if out == "" {
		out = doc.Filename
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, reader)
	if err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", written, out)
	return nil
}

func newDeleteCommand() *Command {
	cmd := &Command{
		Name:        "delete",
		Description: "Soft-delete a document",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("delete", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runDelete(*as, *id)
	}
	return cmd
}

func runDelete(as, id string) error {
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

	if err := eng.repo.Delete(ctx, principal, id); err != nil {
		return err
	}
	fmt.Printf("Deleted document %s\n", id)
	return nil
}
