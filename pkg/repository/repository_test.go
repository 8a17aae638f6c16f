package repository

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvault/docuvault/pkg/audit"
	"github.com/docuvault/docuvault/pkg/blob"
	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/identity"
	"github.com/docuvault/docuvault/pkg/permissions"
	"github.com/docuvault/docuvault/pkg/scheduler"
)

// memoryAudit records entries in memory and serves them back as history
type memoryAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memoryAudit) Record(ctx context.Context, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryAudit) Close() error { return nil }

func (m *memoryAudit) History(ctx context.Context, documentID string) ([]*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*audit.Entry
	for _, e := range m.entries {
		if e.DocumentID == documentID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *memoryAudit) actions(documentID string) []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []audit.Action
	for _, e := range m.entries {
		if e.DocumentID == documentID {
			actions = append(actions, e.Action)
		}
	}
	return actions
}

type testRepo struct {
	repo     *Repository
	sched    *scheduler.Scheduler
	auditLog *memoryAudit
	identity *identity.StaticProvider
}

func setupRepo(t *testing.T) *testRepo {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, m := range documents.GetMigrations() {
		_, err := db.Exec(m.SQL)
		require.NoError(t, err)
	}
	for _, m := range permissions.GetMigrations() {
		_, err := db.Exec(m.SQL)
		require.NoError(t, err)
	}
	for _, m := range scheduler.GetMigrations() {
		_, err := db.Exec(m.SQL)
		require.NoError(t, err)
	}

	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	docs := documents.NewStore(db)
	permStore := permissions.NewStore(db)
	provider := identity.NewStaticProvider(nil)
	resolver := permissions.NewResolver(permStore, provider, docs, nil, nil)
	sched := scheduler.New(scheduler.NewStore(db), scheduler.Options{LeaseDuration: time.Minute})
	auditLog := &memoryAudit{}

	repo := New(Options{
		DB:        db,
		Documents: docs,
		PermStore: permStore,
		Resolver:  resolver,
		Scheduler: sched,
		Blobs:     blobs,
		AuditLog:  auditLog,
		History:   auditLog,
	})

	return &testRepo{repo: repo, sched: sched, auditLog: auditLog, identity: provider}
}

func uploadReq(org, content string) UploadRequest {
	return UploadRequest{
		Filename:       "notes.txt",
		ContentType:    "text/plain",
		Content:        strings.NewReader(content),
		OrganizationID: org,
	}
}

func TestUploadCreatesDocumentPipelineAndOwnership(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "hello world"))
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	assert.Equal(t, documents.StatusActive, doc.Status)

	// Content changes enqueue the processing pipeline atomically
	jobs, err := tr.sched.ListForDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, scheduler.StatePending, job.Status)
	}

	// The uploader owns the document
	got, err := tr.repo.GetDocument(ctx, "user:alice", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	assert.Contains(t, tr.auditLog.actions(doc.ID), audit.ActionCreate)
}

func TestUploadDuplicateReturnsExisting(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	first, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "same bytes"))
	require.NoError(t, err)

	second, err := tr.repo.Upload(ctx, "user:bob", uploadReq("org-1", "same bytes"))
	var dup *documents.DuplicateContentError
	require.ErrorAs(t, err, &dup)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	// Dedup is organization-scoped
	other, err := tr.repo.Upload(ctx, "user:carol", uploadReq("org-2", "same bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAccessDeniedIsUniform(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "secret report"))
	require.NoError(t, err)

	// No grant, and a document that does not exist, deny identically
	_, errDenied := tr.repo.GetDocument(ctx, "user:mallory", doc.ID)
	_, errMissing := tr.repo.GetDocument(ctx, "user:mallory", "no-such-document")
	assert.ErrorIs(t, errDenied, ErrPermissionDenied)
	assert.ErrorIs(t, errMissing, ErrPermissionDenied)
	assert.Equal(t, errDenied.Error(), errMissing.Error())
}

func TestGrantAndRevoke(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "shared doc"))
	require.NoError(t, err)

	bob := "user:bob"
	_, err = tr.repo.GetDocument(ctx, bob, doc.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, tr.repo.GrantPermission(ctx, "user:alice", &permissions.Permission{
		DocumentID: doc.ID,
		UserID:     &bob,
		Caps:       permissions.CapabilitySet{Read: true},
	}))

	_, err = tr.repo.GetDocument(ctx, bob, doc.ID)
	require.NoError(t, err)

	// Read does not imply write
	_, err = tr.repo.UpdateMetadata(ctx, bob, doc.ID, documents.MetadataPatch{})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Bob cannot share what he cannot share
	carol := "user:carol"
	err = tr.repo.GrantPermission(ctx, bob, &permissions.Permission{
		DocumentID: doc.ID,
		UserID:     &carol,
		Caps:       permissions.CapabilitySet{Read: true},
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, tr.repo.RevokePermission(ctx, "user:alice", doc.ID, bob, ""))
	_, err = tr.repo.GetDocument(ctx, bob, doc.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	actions := tr.auditLog.actions(doc.ID)
	assert.Contains(t, actions, audit.ActionShare)
	assert.Contains(t, actions, audit.ActionUnshare)
}

func TestRoleGrantThroughIdentity(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "team doc"))
	require.NoError(t, err)

	editor := "editor"
	require.NoError(t, tr.repo.GrantPermission(ctx, "user:alice", &permissions.Permission{
		DocumentID: doc.ID,
		RoleName:   &editor,
		Caps:       permissions.CapabilitySet{Read: true, Write: true},
	}))

	tr.identity.AssignRole("user:dave", "editor")
	_, err = tr.repo.GetDocument(ctx, "user:dave", doc.ID)
	require.NoError(t, err)

	_, err = tr.repo.UpdateMetadata(ctx, "user:dave", doc.ID, documents.MetadataPatch{})
	require.NoError(t, err)
}

func TestCreateVersionEnqueuesPipeline(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "v1 content"))
	require.NoError(t, err)

	version, err := tr.repo.CreateVersion(ctx, "user:alice", doc.ID, VersionRequest{
		Content:       strings.NewReader("v2 content"),
		ChangeSummary: "second draft",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, version.VersionNumber)

	jobs, err := tr.sched.ListForDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 6, "upload pipeline plus version pipeline")

	versions, err := tr.repo.ListVersions(ctx, "user:alice", doc.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	// Outsiders cannot attach content
	_, err = tr.repo.CreateVersion(ctx, "user:mallory", doc.ID, VersionRequest{
		Content: strings.NewReader("evil"),
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestDeleteFreesHashAndDeniesAccess(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "ephemeral"))
	require.NoError(t, err)

	require.NoError(t, tr.repo.Delete(ctx, "user:alice", doc.ID))

	// Even the owner gets the uniform denial once the document is gone
	_, err = tr.repo.GetDocument(ctx, "user:alice", doc.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// The content hash is free for re-upload
	again, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "ephemeral"))
	require.NoError(t, err)
	assert.NotEqual(t, doc.ID, again.ID)
}

func TestDeleteRequiresDeleteCapability(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "keep me"))
	require.NoError(t, err)

	bob := "user:bob"
	// write+admin but not delete: admin does not imply delete
	require.NoError(t, tr.repo.GrantPermission(ctx, "user:alice", &permissions.Permission{
		DocumentID: doc.ID,
		UserID:     &bob,
		Caps:       permissions.CapabilitySet{Read: true, Write: true, Admin: true},
	}))

	err = tr.repo.Delete(ctx, bob, doc.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestDownloadRoundTrip(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "download me"))
	require.NoError(t, err)

	reader, got, err := tr.repo.Download(ctx, "user:alice", doc.ID)
	require.NoError(t, err)
	defer reader.Close()

	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("download me"), content))
	assert.Equal(t, doc.ID, got.ID)

	assert.Contains(t, tr.auditLog.actions(doc.ID), audit.ActionDownload)
}

func TestListingReadsAreAudited(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "audited listings"))
	require.NoError(t, err)

	_, err = tr.repo.ListVersions(ctx, "user:alice", doc.ID)
	require.NoError(t, err)

	_, err = tr.repo.ListPermissions(ctx, "user:alice", doc.ID)
	require.NoError(t, err)

	var reads int
	for _, action := range tr.auditLog.actions(doc.ID) {
		if action == audit.ActionRead {
			reads++
		}
	}
	assert.Equal(t, 2, reads)
}

func TestEnqueueProcessingAndJobStatus(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "process me"))
	require.NoError(t, err)

	nine := 9
	job, err := tr.repo.EnqueueProcessing(ctx, "user:alice", doc.ID, ProcessingRequest{
		JobType:  scheduler.JobTypeOCR,
		Priority: &nine,
	})
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatePending, job.Status)
	assert.Equal(t, 9, job.Priority)
	assert.Equal(t, scheduler.DefaultMaxRetries, job.MaxRetries)

	got, err := tr.repo.JobStatus(ctx, "user:alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	// Job visibility follows document read access
	_, err = tr.repo.JobStatus(ctx, "user:mallory", job.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Missing jobs deny rather than reveal absence
	_, err = tr.repo.JobStatus(ctx, "user:alice", "no-such-job")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, tr.repo.CancelProcessing(ctx, "user:alice", job.ID))
	got, err = tr.repo.JobStatus(ctx, "user:alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateCancelled, got.Status)
}

func TestEnqueueProcessingZeroValuesSurvive(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "one shot"))
	require.NoError(t, err)

	// Minimum priority and a zero retry budget are requests, not
	// absences; neither may be coerced to the defaults.
	zero := 0
	job, err := tr.repo.EnqueueProcessing(ctx, "user:alice", doc.ID, ProcessingRequest{
		JobType:    scheduler.JobTypeOCR,
		Priority:   &zero,
		MaxRetries: &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, job.Priority)
	assert.Equal(t, 0, job.MaxRetries)

	got, err := tr.repo.JobStatus(ctx, "user:alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Priority)
	assert.Equal(t, 0, got.MaxRetries)

	defaulted, err := tr.repo.EnqueueProcessing(ctx, "user:alice", doc.ID, ProcessingRequest{
		JobType: scheduler.JobTypeThumbnail,
	})
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultPriority, defaulted.Priority)
	assert.Equal(t, scheduler.DefaultMaxRetries, defaulted.MaxRetries)
}

func TestAuditHistoryRequiresAdmin(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "audited"))
	require.NoError(t, err)
	_, err = tr.repo.GetDocument(ctx, "user:alice", doc.ID)
	require.NoError(t, err)

	entries, err := tr.repo.AuditHistory(ctx, "user:alice", doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	bob := "user:bob"
	require.NoError(t, tr.repo.GrantPermission(ctx, "user:alice", &permissions.Permission{
		DocumentID: doc.ID,
		UserID:     &bob,
		Caps:       permissions.CapabilitySet{Read: true},
	}))
	_, err = tr.repo.AuditHistory(ctx, bob, doc.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAuditHistorySurvivesDeletion(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "short lived"))
	require.NoError(t, err)
	require.NoError(t, tr.repo.Delete(ctx, "user:alice", doc.ID))

	entries, err := tr.repo.AuditHistory(ctx, "user:alice", doc.ID)
	require.NoError(t, err)

	var actions []audit.Action
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionCreate)
	assert.Contains(t, actions, audit.ActionDelete)
}

func TestExpiredGrantDenied(t *testing.T) {
	tr := setupRepo(t)
	ctx := context.Background()

	doc, err := tr.repo.Upload(ctx, "user:alice", uploadReq("org-1", "expiring"))
	require.NoError(t, err)

	bob := "user:bob"
	grantedAt := time.Now().UTC().Add(-2 * time.Hour)
	expiresAt := grantedAt.Add(time.Hour)
	require.NoError(t, tr.repo.GrantPermission(ctx, "user:alice", &permissions.Permission{
		DocumentID: doc.ID,
		UserID:     &bob,
		Caps:       permissions.CapabilitySet{Read: true},
		GrantedAt:  grantedAt,
		ExpiresAt:  &expiresAt,
	}))

	_, err = tr.repo.GetDocument(ctx, bob, doc.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
