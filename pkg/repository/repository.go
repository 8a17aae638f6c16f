// Package repository composes the document store, permission resolver,
// audit trail, blob storage and processing scheduler behind a single
// facade. Every operation resolves access first, then mutates, then
// records an audit entry; content changes additionally enqueue the
// processing pipeline in the same transaction as the mutation.
package repository

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docuvault/docuvault/pkg/audit"
	"github.com/docuvault/docuvault/pkg/blob"
	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/observability"
	"github.com/docuvault/docuvault/pkg/permissions"
	"github.com/docuvault/docuvault/pkg/scheduler"
)

// HistoryReader serves a document's audit trail. Satisfied by the
// database audit logger.
type HistoryReader interface {
	History(ctx context.Context, documentID string) ([]*audit.Entry, error)
}

// pipelineJobs are enqueued whenever document content changes
var pipelineJobs = []scheduler.JobType{
	scheduler.JobTypeVirusScan,
	scheduler.JobTypeTextExtraction,
	scheduler.JobTypeMetadataExtraction,
}

// Repository is the facade the transport layer talks to
type Repository struct {
	db       *sql.DB
	docs     *documents.Store
	perms    *permissions.Store
	resolver *permissions.Resolver
	sched    *scheduler.Scheduler
	blobs    blob.Store
	auditLog audit.Logger
	history  HistoryReader
	metrics  *observability.Metrics
	log      *observability.Logger
}

// Options wires a Repository's collaborators
type Options struct {
	DB        *sql.DB
	Documents *documents.Store
	PermStore *permissions.Store
	Resolver  *permissions.Resolver
	Scheduler *scheduler.Scheduler
	Blobs     blob.Store
	AuditLog  audit.Logger
	History   HistoryReader
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// New creates the repository facade
func New(opts Options) *Repository {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Repository{
		db:       opts.DB,
		docs:     opts.Documents,
		perms:    opts.PermStore,
		resolver: opts.Resolver,
		sched:    opts.Scheduler,
		blobs:    opts.Blobs,
		auditLog: opts.AuditLog,
		history:  opts.History,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// UploadRequest describes a new document upload
type UploadRequest struct {
	Filename       string
	ContentType    string
	Content        io.Reader
	OrganizationID string
	DocumentType   string
	Classification documents.Classification
	Metadata       map[string]string
}

// Upload stores content, creates the document record and its initial
// processing jobs atomically, and grants the uploader full
// capabilities. Re-uploading identical bytes within the organization
// returns the existing live document together with a
// DuplicateContentError, so callers choose idempotent success or error.
func (r *Repository) Upload(ctx context.Context, principal string, req UploadRequest) (*documents.Document, error) {
	if req.Filename == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if req.OrganizationID == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	content, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload content: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrValidation)
	}

	hash, err := r.blobs.Put(ctx, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to store content: %w", err)
	}

	doc := &documents.Document{
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		SizeBytes:      int64(len(content)),
		ContentHash:    hash,
		StorageRef:     storageRef(hash),
		OwnerID:        principal,
		OrganizationID: req.OrganizationID,
		DocumentType:   req.DocumentType,
		Classification: req.Classification,
		Metadata:       req.Metadata,
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.docs.WithTx(tx).Create(ctx, doc); err != nil {
			return err
		}
		return r.enqueuePipeline(ctx, tx, doc.ID)
	})
	if err != nil {
		var dup *documents.DuplicateContentError
		if errors.As(err, &dup) {
			if r.metrics != nil {
				r.metrics.DuplicateUploadsTotal.Inc()
			}
			existing, getErr := r.docs.GetByHash(ctx, req.OrganizationID, hash)
			if getErr != nil {
				return nil, err
			}
			return existing, err
		}
		return nil, err
	}

	// The uploader owns the document outright
	if err := r.perms.Grant(ctx, &permissions.Permission{
		DocumentID: doc.ID,
		UserID:     &principal,
		Caps:       permissions.CapabilitySet{Read: true, Write: true, Delete: true, Share: true, Admin: true},
		GrantedBy:  principal,
	}); err != nil {
		return nil, fmt.Errorf("failed to grant owner permissions: %w", err)
	}

	if r.metrics != nil {
		r.metrics.DocumentsCreatedTotal.WithLabelValues(req.OrganizationID).Inc()
	}
	r.audit(ctx, principal, audit.ActionCreate, doc, "document uploaded")
	return doc, nil
}

// VersionRequest describes new content for an existing document
type VersionRequest struct {
	Filename      string
	Content       io.Reader
	ChangeSummary string
}

// CreateVersion attaches new content as the document's next version.
// The version row and its processing jobs commit atomically: a version
// without pipeline work would silently skip processing.
func (r *Repository) CreateVersion(ctx context.Context, principal, documentID string, req VersionRequest) (*documents.Version, error) {
	if err := r.authorize(ctx, documentID, principal, permissions.CapabilityWrite); err != nil {
		return nil, err
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	content, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to read version content: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrValidation)
	}

	hash, err := r.blobs.Put(ctx, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to store content: %w", err)
	}

	filename := req.Filename
	if filename == "" {
		doc, err := r.docs.Get(ctx, documentID)
		if err != nil {
			return nil, err
		}
		filename = doc.Filename
	}

	version := &documents.Version{
		DocumentID:    documentID,
		Filename:      filename,
		StorageRef:    storageRef(hash),
		SizeBytes:     int64(len(content)),
		ContentHash:   hash,
		ChangeSummary: req.ChangeSummary,
		CreatedBy:     principal,
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.docs.WithTx(tx).CreateVersion(ctx, version); err != nil {
			return err
		}
		return r.enqueuePipeline(ctx, tx, documentID)
	})
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.DocumentVersionsTotal.Inc()
	}
	doc, _ := r.docs.Get(ctx, documentID)
	r.audit(ctx, principal, audit.ActionUpdate, doc, fmt.Sprintf("version %d created", version.VersionNumber))
	return version, nil
}

// GetDocument returns a document the principal can read
func (r *Repository) GetDocument(ctx context.Context, principal, documentID string) (*documents.Document, error) {
	if err := r.authorize(ctx, documentID, principal, permissions.CapabilityRead); err != nil {
		return nil, err
	}
	doc, err := r.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	r.audit(ctx, principal, audit.ActionRead, doc, "")
	return doc, nil
}

// ListVersions returns a document's version chain, newest first
func (r *Repository) ListVersions(ctx context.Context, principal, documentID string) ([]*documents.Version, error) {
	if err := r.authorize(ctx, documentID, principal, permissions.CapabilityRead); err != nil {
		return nil, err
	}
	versions, err := r.docs.ListVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	doc, _ := r.docs.Get(ctx, documentID)
	r.audit(ctx, principal, audit.ActionRead, doc, "listed versions")
	return versions, nil
}

// Download streams the document's current content
func (r *Repository) Download(ctx context.Context, principal, documentID string) (io.ReadCloser, *documents.Document, error) {
	if err := r.authorize(ctx, documentID, principal, permissions.CapabilityRead); err != nil {
		return nil, nil, err
	}
	doc, err := r.docs.Get(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	reader, err := r.blobs.Get(ctx, doc.ContentHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read content: %w", err)
	}
	r.audit(ctx, principal, audit.ActionDownload, doc, "")
	return reader, doc, nil
}

// UpdateMetadata applies a partial metadata update
func (r *Repository) UpdateMetadata(ctx context.Context, principal, documentID string, patch documents.MetadataPatch) (*documents.Document, error) {
	if err := r.authorize(ctx, documentID, principal, permissions.CapabilityWrite); err != nil {
		return nil, err
	}
	doc, err := r.docs.UpdateMetadata(ctx, documentID, patch)
	if err != nil {
		return nil, err
	}
	r.audit(ctx, principal, audit.ActionUpdate, doc, "metadata updated")
	return doc, nil
}

// Delete soft-deletes a document, freeing its content hash for reuse
// while keeping the row for the audit trail.
func (r *Repository) Delete(ctx context.Context, principal, documentID string) error {
	if err := r.authorize(ctx, documentID, principal, permissions.CapabilityDelete); err != nil {
		return err
	}
	doc, err := r.docs.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if err := r.docs.SoftDelete(ctx, documentID); err != nil {
		return err
	}
	r.resolver.Invalidate(ctx, documentID)
	r.audit(ctx, principal, audit.ActionDelete, doc, "")
	return nil
}

// GrantPermission adds or updates a direct grant on a document. Requires
// share or admin capability.
func (r *Repository) GrantPermission(ctx context.Context, principal string, perm *permissions.Permission) error {
	if perm == nil {
		return fmt.Errorf("%w: permission is required", ErrValidation)
	}
	if err := r.authorizeShare(ctx, perm.DocumentID, principal); err != nil {
		return err
	}
	if perm.GrantedBy == "" {
		perm.GrantedBy = principal
	}
	if err := r.perms.Grant(ctx, perm); err != nil {
		return err
	}
	r.resolver.Invalidate(ctx, perm.DocumentID)
	doc, _ := r.docs.Get(ctx, perm.DocumentID)
	r.audit(ctx, principal, audit.ActionShare, doc, grantTarget(perm))
	return nil
}

// RevokePermission removes a direct grant. Exactly one of userID or
// roleName must be given.
func (r *Repository) RevokePermission(ctx context.Context, principal, documentID, userID, roleName string) error {
	if (userID == "") == (roleName == "") {
		return fmt.Errorf("%w: exactly one of user or role must be given", ErrValidation)
	}
	if err := r.authorizeShare(ctx, documentID, principal); err != nil {
		return err
	}

	var err error
	target := "user " + userID
	if userID != "" {
		err = r.perms.RevokeUser(ctx, documentID, userID)
	} else {
		target = "role " + roleName
		err = r.perms.RevokeRole(ctx, documentID, roleName)
	}
	if err != nil {
		return err
	}

	r.resolver.Invalidate(ctx, documentID)
	doc, _ := r.docs.Get(ctx, documentID)
	r.audit(ctx, principal, audit.ActionUnshare, doc, target)
	return nil
}

// ListPermissions returns all permission rows on a document, expired
// rows included so admins can see what will lapse.
func (r *Repository) ListPermissions(ctx context.Context, principal, documentID string) ([]*permissions.Permission, error) {
	if err := r.authorizeShare(ctx, documentID, principal); err != nil {
		return nil, err
	}
	perms, err := r.perms.ListForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	doc, _ := r.docs.Get(ctx, documentID)
	r.audit(ctx, principal, audit.ActionRead, doc, "listed permissions")
	return perms, nil
}

// ProcessingRequest describes a manually requested job. Priority and
// MaxRetries are pointers so the zero values (minimum priority, no
// retries) stay expressible; nil means "use the default".
type ProcessingRequest struct {
	JobType        scheduler.JobType
	Priority       *int
	Config         map[string]string
	MaxRetries     *int
	WebhookURL     string
	WebhookSecret  string
	WebhookHeaders map[string]string
}

// EnqueueProcessing schedules a processing job for a document
func (r *Repository) EnqueueProcessing(ctx context.Context, principal, documentID string, req ProcessingRequest) (*scheduler.Job, error) {
	if err := r.authorize(ctx, documentID, principal, permissions.CapabilityWrite); err != nil {
		return nil, err
	}

	priority := scheduler.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxRetries := scheduler.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	job := &scheduler.Job{
		DocumentID:     documentID,
		JobType:        req.JobType,
		Priority:       priority,
		Config:         req.Config,
		MaxRetries:     maxRetries,
		WebhookURL:     req.WebhookURL,
		WebhookSecret:  req.WebhookSecret,
		WebhookHeaders: req.WebhookHeaders,
	}
	if err := r.sched.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	doc, _ := r.docs.Get(ctx, documentID)
	r.audit(ctx, principal, audit.ActionProcess, doc, string(req.JobType)+" job enqueued")
	return job, nil
}

// JobStatus returns a processing job the principal can see. Visibility
// follows read access on the job's document.
func (r *Repository) JobStatus(ctx context.Context, principal, jobID string) (*scheduler.Job, error) {
	job, err := r.sched.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return nil, ErrPermissionDenied
		}
		return nil, err
	}
	if err := r.authorize(ctx, job.DocumentID, principal, permissions.CapabilityRead); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelProcessing cancels a pending or retrying job
func (r *Repository) CancelProcessing(ctx context.Context, principal, jobID string) error {
	job, err := r.sched.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return ErrPermissionDenied
		}
		return err
	}
	if err := r.authorize(ctx, job.DocumentID, principal, permissions.CapabilityWrite); err != nil {
		return err
	}
	return r.sched.Cancel(ctx, jobID)
}

// AuditHistory returns the audit trail for a document. Requires admin
// capability; the trail survives document deletion, so access is
// checked against the permission rows rather than document liveness.
func (r *Repository) AuditHistory(ctx context.Context, principal, documentID string) ([]*audit.Entry, error) {
	caps, err := r.resolver.ResolveAccess(ctx, documentID, principal)
	if err != nil {
		if !errors.Is(err, permissions.ErrNotFound) {
			return nil, err
		}
		// The document is deleted but its grant rows and trail remain.
		// A surviving direct admin grant keeps the trail visible.
		caps, err = r.directCapabilities(ctx, documentID, principal)
		if err != nil {
			return nil, err
		}
	}
	if !caps.Has(permissions.CapabilityAdmin) {
		return nil, ErrPermissionDenied
	}
	if r.history == nil {
		return nil, fmt.Errorf("audit history is not configured")
	}
	return r.history.History(ctx, documentID)
}

// authorize resolves the principal's capabilities and requires one.
// Missing documents and missing grants collapse into the same denial.
func (r *Repository) authorize(ctx context.Context, documentID, principal string, capability permissions.Capability) error {
	allowed, err := r.resolver.Check(ctx, documentID, principal, capability)
	if err != nil {
		if errors.Is(err, permissions.ErrNotFound) {
			return ErrPermissionDenied
		}
		return err
	}
	if !allowed {
		return ErrPermissionDenied
	}
	return nil
}

// directCapabilities unions surviving direct user grants without the
// document liveness check the resolver performs. Role and inherited
// grants do not apply here.
func (r *Repository) directCapabilities(ctx context.Context, documentID, principal string) (permissions.CapabilitySet, error) {
	rows, err := r.perms.ListForDocument(ctx, documentID)
	if err != nil {
		return permissions.CapabilitySet{}, err
	}
	now := time.Now().UTC()
	var caps permissions.CapabilitySet
	for _, p := range rows {
		if p.Expired(now) {
			continue
		}
		if p.UserID != nil && *p.UserID == principal {
			caps = caps.Union(p.Caps)
		}
	}
	return caps, nil
}

// authorizeShare requires share or admin capability
func (r *Repository) authorizeShare(ctx context.Context, documentID, principal string) error {
	caps, err := r.resolver.ResolveAccess(ctx, documentID, principal)
	if err != nil {
		if errors.Is(err, permissions.ErrNotFound) {
			return ErrPermissionDenied
		}
		return err
	}
	if !caps.Has(permissions.CapabilityShare) && !caps.Has(permissions.CapabilityAdmin) {
		return ErrPermissionDenied
	}
	return nil
}

func (r *Repository) enqueuePipeline(ctx context.Context, tx *sql.Tx, documentID string) error {
	for _, jobType := range pipelineJobs {
		job := &scheduler.Job{
			DocumentID: documentID,
			JobType:    jobType,
			Priority:   scheduler.DefaultPriority,
			MaxRetries: scheduler.DefaultMaxRetries,
		}
		if err := r.sched.EnqueueTx(ctx, tx, job); err != nil {
			return err
		}
	}
	return nil
}

// audit records an entry for a completed operation. The reliable logger
// underneath never fails the caller; a nil error here is not a
// durability claim, only an acceptance.
func (r *Repository) audit(ctx context.Context, principal string, action audit.Action, doc *documents.Document, message string) {
	if r.auditLog == nil {
		return
	}
	documentID := ""
	organizationID := ""
	if doc != nil {
		documentID = doc.ID
		organizationID = doc.OrganizationID
	}
	entry := audit.NewEntry(principal, action, documentID)
	entry.OrganizationID = organizationID
	entry.Message = message
	entry.RequestID = observability.GetRequestID(ctx)

	if err := r.auditLog.Record(ctx, entry); err != nil {
		r.log.WithError(err).WithField("action", string(action)).Error("failed to record audit entry")
	}
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.WithError(rbErr).Error("failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func grantTarget(perm *permissions.Permission) string {
	if perm.UserID != nil {
		return "user " + *perm.UserID
	}
	if perm.RoleName != nil {
		return "role " + *perm.RoleName
	}
	return ""
}

func storageRef(hash string) string {
	return "sha256/" + hash[:2] + "/" + hash[2:]
}
