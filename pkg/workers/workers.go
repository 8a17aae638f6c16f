package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docuvault/docuvault/pkg/blob"
	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/scheduler"
)

// eicarSignature is the standard antivirus test pattern. Content
// containing it is treated as infected.
const eicarSignature = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// maxScanBytes bounds how much content a worker reads into memory
const maxScanBytes = 32 << 20 // 32 MiB

// VirusScanWorker scans document content for the EICAR test signature.
// An infected document is moved to the error lifecycle status.
type VirusScanWorker struct {
	docs  *documents.Store
	blobs blob.Store
}

// NewVirusScanWorker creates a virus scan worker
func NewVirusScanWorker(docs *documents.Store, blobs blob.Store) *VirusScanWorker {
	return &VirusScanWorker{docs: docs, blobs: blobs}
}

func (w *VirusScanWorker) Type() scheduler.JobType {
	return scheduler.JobTypeVirusScan
}

func (w *VirusScanWorker) Execute(ctx context.Context, job *scheduler.Job) (json.RawMessage, error) {
	doc, content, err := loadContent(ctx, w.docs, w.blobs, job.DocumentID)
	if err != nil {
		return nil, err
	}

	infected := bytes.Contains(content, []byte(eicarSignature))
	if infected {
		if err := w.docs.SetStatus(ctx, doc.ID, documents.StatusError); err != nil {
			return nil, fmt.Errorf("failed to quarantine document: %w", err)
		}
	}

	return json.Marshal(map[string]interface{}{
		"clean":         !infected,
		"bytes_scanned": len(content),
	})
}

// TextExtractionWorker extracts text from text-typed documents and
// stores it on the document record. Non-text content is a terminal
// failure; retrying cannot make a binary readable.
type TextExtractionWorker struct {
	docs  *documents.Store
	blobs blob.Store
}

// NewTextExtractionWorker creates a text extraction worker
func NewTextExtractionWorker(docs *documents.Store, blobs blob.Store) *TextExtractionWorker {
	return &TextExtractionWorker{docs: docs, blobs: blobs}
}

func (w *TextExtractionWorker) Type() scheduler.JobType {
	return scheduler.JobTypeTextExtraction
}

func (w *TextExtractionWorker) Execute(ctx context.Context, job *scheduler.Job) (json.RawMessage, error) {
	doc, content, err := loadContent(ctx, w.docs, w.blobs, job.DocumentID)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(doc.ContentType, "text/") && doc.ContentType != "application/json" {
		return nil, fmt.Errorf("%w: cannot extract text from %q", scheduler.ErrTerminal, doc.ContentType)
	}

	text := string(content)
	if err := w.docs.SetExtractedText(ctx, doc.ID, text); err != nil {
		return nil, fmt.Errorf("failed to store extracted text: %w", err)
	}
	if err := w.docs.SetProcessingStatus(ctx, doc.ID, documents.ProcessingCompleted); err != nil {
		return nil, fmt.Errorf("failed to update processing status: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"characters": len(text),
	})
}

// MetadataExtractionWorker derives summary metadata from the stored
// document record without touching content.
type MetadataExtractionWorker struct {
	docs *documents.Store
}

// NewMetadataExtractionWorker creates a metadata extraction worker
func NewMetadataExtractionWorker(docs *documents.Store) *MetadataExtractionWorker {
	return &MetadataExtractionWorker{docs: docs}
}

func (w *MetadataExtractionWorker) Type() scheduler.JobType {
	return scheduler.JobTypeMetadataExtraction
}

func (w *MetadataExtractionWorker) Execute(ctx context.Context, job *scheduler.Job) (json.RawMessage, error) {
	doc, err := w.docs.Get(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}

	versions, err := w.docs.ListVersions(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"filename":       doc.Filename,
		"content_type":   doc.ContentType,
		"size_bytes":     doc.SizeBytes,
		"classification": doc.Classification,
		"version_count":  len(versions),
		"metadata_keys":  len(doc.Metadata),
	})
}

func loadContent(ctx context.Context, docs *documents.Store, blobs blob.Store, documentID string) (*documents.Document, []byte, error) {
	doc, err := docs.Get(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}

	reader, err := blobs.Get(ctx, doc.ContentHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document content: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(io.LimitReader(reader, maxScanBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document content: %w", err)
	}
	return doc, content, nil
}

// RegisterBuiltins registers the built-in workers on a registry
func RegisterBuiltins(registry *scheduler.Registry, docs *documents.Store, blobs blob.Store) error {
	for _, w := range []scheduler.Worker{
		NewVirusScanWorker(docs, blobs),
		NewTextExtractionWorker(docs, blobs),
		NewMetadataExtractionWorker(docs),
	} {
		if err := registry.Register(w); err != nil {
			return err
		}
	}
	return nil
}
