package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"inkmark/api/internal/annotation"
	"inkmark/api/internal/auth"
	"inkmark/api/internal/blob"
	"inkmark/api/internal/flatten"
	"inkmark/api/internal/lock"
	"inkmark/api/internal/rbac"
	"inkmark/api/internal/store"
)

// PassthroughPrefix is where files that are stored unchanged are written.
const PassthroughPrefix = "submissions/files"

// Upload is one file received with a finalize or update request.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

func (u Upload) annotatable() bool {
	ct := strings.ToLower(strings.TrimSpace(u.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == "application/pdf" || strings.EqualFold(path.Ext(u.Name), ".pdf")
}

// payload is a prepared blob write.
type payload struct {
	file store.StoredFile
	data []byte
}

type submitRequest struct {
	principal    auth.Principal
	submissionID string
	files        []Upload
	annotationID string
	deleteKeys   []string
	update       bool
}

// Finalize stores the uploaded files, flattening the caller's annotations
// into every PDF, and marks the submission submitted. Either every new blob
// is referenced by the saved submission or none survives.
func (s *Service) Finalize(ctx context.Context, p auth.Principal, submissionID string, files []Upload, annotationID string) (store.Submission, error) {
	return s.submit(ctx, submitRequest{
		principal:    p,
		submissionID: submissionID,
		files:        files,
		annotationID: annotationID,
	})
}

// UpdateSubmission is Finalize for a submission that already has files.
// deleteKeys name previously stored files to drop; they are removed from the
// blob store before the replacements are uploaded.
func (s *Service) UpdateSubmission(ctx context.Context, p auth.Principal, submissionID string, files []Upload, deleteKeys []string, annotationID string) (store.Submission, error) {
	return s.submit(ctx, submitRequest{
		principal:    p,
		submissionID: submissionID,
		files:        files,
		annotationID: annotationID,
		deleteKeys:   deleteKeys,
		update:       true,
	})
}

func (s *Service) submit(ctx context.Context, req submitRequest) (store.Submission, error) {
	p := req.principal
	if !rbac.Can(p.Role, rbac.ActionSubmit) {
		return store.Submission{}, forbidden("Submitting is not allowed for this role")
	}
	if len(req.files) == 0 && (!req.update || len(req.deleteKeys) == 0) {
		return store.Submission{}, validationError("at least one file is required", nil)
	}

	sub, err := s.loadSubmission(ctx, req.submissionID)
	if err != nil {
		return store.Submission{}, err
	}
	if !canAccess(p, sub) {
		return store.Submission{}, forbidden("Submission belongs to another student")
	}
	if err := s.guard(sub); err != nil {
		return store.Submission{}, err
	}

	release, err := s.locker.Acquire(ctx, "submission:"+sub.ID)
	if errors.Is(err, lock.ErrHeld) {
		return store.Submission{}, domainError(http.StatusConflict, CodeSubmissionBusy, "Submission is being processed", map[string]any{"submissionId": sub.ID})
	}
	if err != nil {
		return store.Submission{}, fmt.Errorf("acquire submission lock: %w", err)
	}
	defer release()

	// The row may have changed while the lock was contended.
	if sub, err = s.loadSubmission(ctx, sub.ID); err != nil {
		return store.Submission{}, err
	}
	if err := s.guard(sub); err != nil {
		return store.Submission{}, err
	}

	logger := s.logger.With("submissionId", sub.ID, "ownerId", p.ID)

	pages, explicit, err := s.resolveAnnotation(ctx, p, sub, req.annotationID)
	if err != nil {
		return store.Submission{}, err
	}

	payloads, err := s.prepare(sub, req.files, pages)
	if err != nil {
		return store.Submission{}, err
	}

	kept := sub.Files
	if req.update {
		kept = s.dropFiles(ctx, logger, sub.Files, req.deleteKeys)
	}

	uploaded, err := s.upload(ctx, payloads)
	if err != nil {
		s.rollback(ctx, logger, uploaded)
		return store.Submission{}, wrapDomainError(err, http.StatusBadGateway, CodeBlobWriteFailure, "Failed to store submission files", map[string]any{"submissionId": sub.ID})
	}

	stored := make([]store.StoredFile, 0, len(kept)+len(payloads))
	if req.update {
		stored = append(stored, kept...)
	}
	for _, item := range payloads {
		stored = append(stored, item.file)
	}

	flattened := false
	for _, item := range payloads {
		flattened = flattened || item.file.Flattened
	}

	now := s.now().UTC()
	// The reference only goes once its annotation is consumed or burned in.
	update := store.SubmissionUpdate{
		ID:              sub.ID,
		Files:           stored,
		Status:          store.StatusSubmitted,
		SubmittedAt:     now,
		ClearAnnotation: explicit != "" || flattened,
	}
	if err := s.store.SaveSubmissionFiles(ctx, update); err != nil {
		s.rollback(ctx, logger, uploaded)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Submission{}, lockedError(sub.ID)
		}
		return store.Submission{}, wrapDomainError(err, http.StatusInternalServerError, CodeSubmissionSaveFailed, "Failed to save submission", map[string]any{"submissionId": sub.ID})
	}

	if explicit != "" {
		if err := s.store.DeleteAnnotation(ctx, explicit); err != nil {
			logger.Warn("consumed annotation not deleted", "annotationId", explicit, "error", err)
		}
	}

	sub.Files = stored
	sub.Status = store.StatusSubmitted
	sub.SubmittedAt = &now
	if update.ClearAnnotation {
		sub.AnnotationID = nil
	}
	logger.Info("submission stored", "update", req.update, "files", len(stored), "uploaded", len(uploaded))
	return sub, nil
}

// guard rejects mutation of locked or overdue submissions.
func (s *Service) guard(sub store.Submission) error {
	if sub.IsLocked {
		return lockedError(sub.ID)
	}
	if sub.DueAt != nil && s.now().After(*sub.DueAt) {
		return domainError(http.StatusConflict, CodeDeadlinePassed, "Submission deadline has passed", map[string]any{
			"submissionId": sub.ID,
			"dueAt":        sub.DueAt.UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// resolveAnnotation picks the pages to flatten. An explicit id must name the
// caller's own student set on this submission and is returned so it can be
// consumed; otherwise the caller's most recent student set is used and left
// in place.
func (s *Service) resolveAnnotation(ctx context.Context, p auth.Principal, sub store.Submission, annotationID string) (annotation.Pages, string, error) {
	annotationID = strings.TrimSpace(annotationID)
	if annotationID != "" {
		set, err := s.store.GetAnnotation(ctx, annotationID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !consumable(p, sub, set)) {
			return nil, "", annotationNotFound(annotationID)
		}
		if err != nil {
			return nil, "", err
		}
		return set.Pages, set.ID, nil
	}

	set, err := s.store.FindCurrentAnnotation(ctx, sub.ID, p.ID, annotation.OwnerStudent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("find current annotation: %w", err)
	}
	return set.Pages, "", nil
}

// consumable reports whether p may flatten and then delete set as part of
// submitting sub: only their own student set for this submission.
func consumable(p auth.Principal, sub store.Submission, set store.AnnotationSet) bool {
	return set.SubmissionID == sub.ID && set.OwnerID == p.ID && set.OwnerType == annotation.OwnerStudent
}

// prepare builds every blob write before anything is uploaded, so a document
// that fails to parse aborts the request with no side effects.
func (s *Service) prepare(sub store.Submission, files []Upload, pages annotation.Pages) ([]payload, error) {
	now := s.now()
	seen := make(map[string]int, len(files))
	out := make([]payload, 0, len(files))

	for _, file := range files {
		name := strings.TrimSpace(file.Name)
		if name == "" {
			name = "file"
		}
		contentType := strings.TrimSpace(file.ContentType)
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		item := payload{
			data: file.Data,
			file: store.StoredFile{Name: name, ContentType: contentType},
		}

		if file.annotatable() && !pages.IsEmpty() {
			res, err := s.flattener.Flatten(flatten.Request{
				Source:     file.Data,
				Pages:      pages,
				OwnerID:    sub.StudentID,
				HomeworkID: sub.HomeworkID,
				FileName:   name,
			})
			if errors.Is(err, flatten.ErrDocumentParse) {
				return nil, wrapDomainError(err, http.StatusUnprocessableEntity, CodeDocumentParseFailure, "Document could not be read", map[string]any{"name": name})
			}
			if err != nil {
				return nil, fmt.Errorf("flatten %s: %w", name, err)
			}
			item.data = res.Data
			item.file.Key = res.Key
			item.file.ContentType = "application/pdf"
			item.file.Flattened = true
		} else {
			item.file.Key = blob.ObjectKey(PassthroughPrefix, sub.StudentID, sub.HomeworkID, name, "", now)
		}

		item.file.Key = uniqueKey(seen, item.file.Key)
		item.file.Size = int64(len(item.data))
		out = append(out, item)
	}
	return out, nil
}

// uniqueKey disambiguates files that share a name within one request.
func uniqueKey(seen map[string]int, key string) string {
	n := seen[key]
	seen[key] = n + 1
	if n == 0 {
		return key
	}
	ext := path.Ext(key)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(key, ext), n, ext)
}

// upload writes payloads concurrently and fills in their URLs. The returned
// keys are every write that succeeded, also when err is non-nil.
func (s *Service) upload(ctx context.Context, payloads []payload) ([]string, error) {
	var (
		mu       sync.Mutex
		uploaded []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.uploadLimit)

	for i := range payloads {
		item := &payloads[i]
		g.Go(func() error {
			url, err := s.blobs.Put(gctx, item.file.Key, item.data, item.file.ContentType)
			if err != nil {
				return fmt.Errorf("put %s: %w", item.file.Key, err)
			}
			mu.Lock()
			uploaded = append(uploaded, item.file.Key)
			mu.Unlock()
			item.file.URL = url
			return nil
		})
	}
	err := g.Wait()
	return uploaded, err
}

// rollback removes keys written by a failed request. Failures are logged and
// never replace the original error.
func (s *Service) rollback(ctx context.Context, logger *slog.Logger, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			logger.Warn("rollback delete failed", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		logger.Info("rolled back uploads", "keys", len(keys))
	}
}

// dropFiles deletes the requested keys that belong to the submission and
// returns the files that remain. Unknown keys are ignored.
func (s *Service) dropFiles(ctx context.Context, logger *slog.Logger, files []store.StoredFile, deleteKeys []string) []store.StoredFile {
	drop := make(map[string]struct{}, len(deleteKeys))
	for _, key := range deleteKeys {
		if key = strings.TrimSpace(key); key != "" {
			drop[key] = struct{}{}
		}
	}

	kept := make([]store.StoredFile, 0, len(files))
	for _, file := range files {
		if _, ok := drop[file.Key]; !ok {
			kept = append(kept, file)
			continue
		}
		delete(drop, file.Key)
		if err := s.blobs.Delete(ctx, file.Key); err != nil {
			logger.Warn("blob delete failed", "key", file.Key, "error", err)
		}
	}
	for key := range drop {
		logger.Warn("delete key not on submission", "key", key)
	}
	return kept
}

// RecordGrade scores a submitted submission and locks it.
func (s *Service) RecordGrade(ctx context.Context, p auth.Principal, submissionID, grade string) (store.Submission, error) {
	if !rbac.Can(p.Role, rbac.ActionGrade) {
		return store.Submission{}, forbidden("Grading is not allowed for this role")
	}
	grade = strings.TrimSpace(grade)
	if grade == "" {
		return store.Submission{}, validationError("grade is required", nil)
	}

	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return store.Submission{}, err
	}
	if sub.IsLocked {
		return store.Submission{}, lockedError(sub.ID)
	}
	if sub.Status != store.StatusSubmitted {
		return store.Submission{}, domainError(http.StatusConflict, CodeNotSubmitted, "Submission has not been submitted", map[string]any{"status": sub.Status})
	}

	if err := s.store.MarkSubmissionGraded(ctx, sub.ID, grade); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Submission{}, lockedError(sub.ID)
		}
		return store.Submission{}, err
	}
	sub.Status = store.StatusGraded
	sub.IsLocked = true
	sub.Grade = grade
	s.logger.Info("submission graded", "submissionId", sub.ID, "gradedBy", p.ID)
	return sub, nil
}

func (s *Service) GetSubmission(ctx context.Context, p auth.Principal, submissionID string) (store.Submission, error) {
	if !rbac.Can(p.Role, rbac.ActionRead) {
		return store.Submission{}, forbidden("Reading is not allowed for this role")
	}
	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return store.Submission{}, err
	}
	if !canAccess(p, sub) {
		return store.Submission{}, forbidden("Submission belongs to another student")
	}
	return sub, nil
}
