package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/repository"
)

func newUploadCommand() *Command {
	cmd := &Command{
		Name:        "upload",
		Description: "Upload a file as a new document",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("upload", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		org := flags.String("org", "", "Organization id")
		file := flags.String("file", "", "Path of the file to upload")
		docType := flags.String("type", "", "Document type")
		classification := flags.String("classification", "internal", "Classification level")
		contentType := flags.String("content-type", "", "Content type (inferred from extension when empty)")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runUpload(*as, *org, *file, *docType, *classification, *contentType)
	}
	return cmd
}

func runUpload(as, org, file, docType, classification, contentType string) error {
	principal, err := principalFrom(as)
	if err != nil {
		return err
	}
	if file == "" {
		return fmt.Errorf("--file is required")
	}
	if org == "" {
		return fmt.Errorf("--org is required")
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(file))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	doc, err := eng.repo.Upload(ctx, principal, repository.UploadRequest{
		Filename:       filepath.Base(file),
		ContentType:    contentType,
		Content:        f,
		OrganizationID: org,
		DocumentType:   docType,
		Classification: documents.Classification(strings.ToLower(classification)),
	})
	var dup *documents.DuplicateContentError
	if errors.As(err, &dup) {
		fmt.Printf("Content already stored as document %s\n", doc.ID)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Uploaded document %s (%d bytes, hash %s)\n", doc.ID, doc.SizeBytes, doc.ContentHash)
	return nil
}
