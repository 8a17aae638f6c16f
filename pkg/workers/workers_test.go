package workers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvault/docuvault/pkg/blob"
	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/scheduler"
)

type fixture struct {
	docs  *documents.Store
	blobs blob.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	for _, m := range documents.GetMigrations() {
		_, err := db.Exec(m.SQL)
		require.NoError(t, err)
	}

	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	return &fixture{docs: documents.NewStore(db), blobs: blobs}
}

func (f *fixture) storeDocument(t *testing.T, contentType string, content []byte) *documents.Document {
	t.Helper()
	ctx := context.Background()

	hash, err := f.blobs.Put(ctx, bytes.NewReader(content))
	require.NoError(t, err)

	doc := &documents.Document{
		Filename:       "sample.txt",
		ContentType:    contentType,
		SizeBytes:      int64(len(content)),
		ContentHash:    hash,
		StorageRef:     "sha256/" + hash[:2] + "/" + hash[2:],
		OwnerID:        "user:alice",
		OrganizationID: "org-1",
	}
	require.NoError(t, f.docs.Create(ctx, doc))
	return doc
}

func jobFor(doc *documents.Document, jobType scheduler.JobType) *scheduler.Job {
	return &scheduler.Job{ID: "job-1", DocumentID: doc.ID, JobType: jobType}
}

func TestVirusScanClean(t *testing.T) {
	f := setup(t)
	doc := f.storeDocument(t, "text/plain", []byte("perfectly ordinary text"))

	worker := NewVirusScanWorker(f.docs, f.blobs)
	result, err := worker.Execute(context.Background(), jobFor(doc, scheduler.JobTypeVirusScan))
	require.NoError(t, err)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(result, &report))
	assert.Equal(t, true, report["clean"])

	got, err := f.docs.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, documents.StatusActive, got.Status)
}

func TestVirusScanInfectedQuarantines(t *testing.T) {
	f := setup(t)
	doc := f.storeDocument(t, "text/plain", []byte("prefix "+eicarSignature+" suffix"))

	worker := NewVirusScanWorker(f.docs, f.blobs)
	result, err := worker.Execute(context.Background(), jobFor(doc, scheduler.JobTypeVirusScan))
	require.NoError(t, err)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(result, &report))
	assert.Equal(t, false, report["clean"])

	got, err := f.docs.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, documents.StatusError, got.Status)
}

func TestTextExtraction(t *testing.T) {
	f := setup(t)
	doc := f.storeDocument(t, "text/plain", []byte("the quick brown fox"))

	worker := NewTextExtractionWorker(f.docs, f.blobs)
	_, err := worker.Execute(context.Background(), jobFor(doc, scheduler.JobTypeTextExtraction))
	require.NoError(t, err)

	got, err := f.docs.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExtractedText)
	assert.Equal(t, "the quick brown fox", *got.ExtractedText)
	assert.Equal(t, documents.ProcessingCompleted, got.ProcessingStatus)
	assert.Contains(t, got.SearchText, "quick brown fox")
}

func TestTextExtractionBinaryIsTerminal(t *testing.T) {
	f := setup(t)
	doc := f.storeDocument(t, "application/octet-stream", []byte{0x00, 0x01, 0x02})

	worker := NewTextExtractionWorker(f.docs, f.blobs)
	_, err := worker.Execute(context.Background(), jobFor(doc, scheduler.JobTypeTextExtraction))
	assert.ErrorIs(t, err, scheduler.ErrTerminal)
}

func TestMetadataExtraction(t *testing.T) {
	f := setup(t)
	doc := f.storeDocument(t, "text/plain", []byte("content"))

	worker := NewMetadataExtractionWorker(f.docs)
	result, err := worker.Execute(context.Background(), jobFor(doc, scheduler.JobTypeMetadataExtraction))
	require.NoError(t, err)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(result, &report))
	assert.Equal(t, "sample.txt", report["filename"])
	assert.Equal(t, "text/plain", report["content_type"])
}

func TestMissingDocument(t *testing.T) {
	f := setup(t)

	worker := NewVirusScanWorker(f.docs, f.blobs)
	_, err := worker.Execute(context.Background(), &scheduler.Job{DocumentID: "missing"})
	assert.ErrorIs(t, err, documents.ErrNotFound)
}

func TestRegisterBuiltins(t *testing.T) {
	f := setup(t)
	registry := scheduler.NewRegistry()

	require.NoError(t, RegisterBuiltins(registry, f.docs, f.blobs))
	assert.Len(t, registry.Types(), 3)
}
