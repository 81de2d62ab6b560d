package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"inkmark/api/internal/annotation"
	"inkmark/api/internal/auth"
	"inkmark/api/internal/rbac"
	"inkmark/api/internal/store"
	"inkmark/api/internal/util"
)

// canAccess reports whether p may act on sub. Students only reach their own
// submissions.
func canAccess(p auth.Principal, sub store.Submission) bool {
	return p.Role != rbac.RoleStudent || sub.StudentID == p.ID
}

func parseOwnerType(value string) (annotation.OwnerType, error) {
	owner, ok := annotation.ParseOwnerType(value)
	if !ok {
		return "", validationError("type must be student or teacher", map[string]any{"type": value})
	}
	return owner, nil
}

// SaveAnnotation upserts the caller's current set for (submission, caller,
// type). An empty page map removes the current set and returns nil.
func (s *Service) SaveAnnotation(ctx context.Context, p auth.Principal, submissionID, ownerType string, pages annotation.Pages) (*store.AnnotationSet, error) {
	owner, err := parseOwnerType(ownerType)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(p.Role, rbac.ActionAnnotate) {
		return nil, forbidden("Annotating is not allowed for this role")
	}
	if !rbac.CanOwn(p.Role, owner) {
		return nil, domainError(http.StatusForbidden, CodeUnsupportedOwnerType, "Role cannot write this annotation type", map[string]any{
			"role": p.Role,
			"type": owner,
		})
	}

	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if !canAccess(p, sub) {
		return nil, forbidden("Submission belongs to another student")
	}
	if sub.IsLocked {
		return nil, lockedError(sub.ID)
	}

	normalized, err := annotation.Normalize(pages, annotation.DefaultStyle)
	if err != nil {
		return nil, wrapDomainError(err, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
	}

	current, err := s.store.FindCurrentAnnotation(ctx, sub.ID, p.ID, owner)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find current annotation: %w", err)
	}

	logger := s.logger.With("submissionId", sub.ID, "ownerId", p.ID, "ownerType", owner)
	now := s.now().UTC()

	if normalized.IsEmpty() {
		if found {
			if err := s.store.DeleteAnnotation(ctx, current.ID); err != nil {
				return nil, err
			}
			logger.Info("annotation cleared", "annotationId", current.ID)
		}
		return nil, nil
	}

	if found {
		if err := s.store.UpdateAnnotationPages(ctx, current.ID, normalized, now); err != nil {
			return nil, err
		}
		current.Pages = normalized
		current.UpdatedAt = now
	} else {
		current = store.AnnotationSet{
			ID:           util.NewID("ann"),
			SubmissionID: sub.ID,
			OwnerID:      p.ID,
			OwnerType:    owner,
			Pages:        normalized,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.InsertAnnotation(ctx, current); err != nil {
			return nil, err
		}
	}

	if owner == annotation.OwnerStudent && (sub.AnnotationID == nil || *sub.AnnotationID != current.ID) {
		if err := s.store.SetSubmissionAnnotation(ctx, sub.ID, &current.ID); err != nil {
			return nil, err
		}
	}

	logger.Info("annotation saved", "annotationId", current.ID, "count", normalized.Count(), "created", !found)
	return &current, nil
}

// GetAnnotation returns the most recently updated set for the key. ownerID
// defaults to the caller.
func (s *Service) GetAnnotation(ctx context.Context, p auth.Principal, submissionID, ownerType, ownerID string) (store.AnnotationSet, error) {
	owner, err := parseOwnerType(ownerType)
	if err != nil {
		return store.AnnotationSet{}, err
	}
	if !rbac.Can(p.Role, rbac.ActionRead) {
		return store.AnnotationSet{}, forbidden("Reading is not allowed for this role")
	}
	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return store.AnnotationSet{}, err
	}
	if !canAccess(p, sub) {
		return store.AnnotationSet{}, forbidden("Submission belongs to another student")
	}

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = p.ID
	}
	set, err := s.store.FindCurrentAnnotation(ctx, sub.ID, ownerID, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AnnotationSet{}, annotationNotFound("")
	}
	if err != nil {
		return store.AnnotationSet{}, err
	}
	return set, nil
}

// DeleteAnnotation removes a set by id. Missing ids succeed.
func (s *Service) DeleteAnnotation(ctx context.Context, p auth.Principal, annotationID string) error {
	set, err := s.store.GetAnnotation(ctx, annotationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if set.OwnerID != p.ID && p.Role != rbac.RoleAdmin {
		return forbidden("Annotation belongs to another user")
	}
	if err := s.store.DeleteAnnotation(ctx, set.ID); err != nil {
		return err
	}
	s.logger.Info("annotation deleted", "annotationId", set.ID, "submissionId", set.SubmissionID)
	return nil
}

func annotationNotFound(id string) *DomainError {
	var details any
	if id != "" {
		details = map[string]any{"annotationId": id}
	}
	return domainError(http.StatusNotFound, CodeAnnotationNotFound, "Annotation not found", details)
}

func lockedError(submissionID string) *DomainError {
	return domainError(http.StatusConflict, CodeSubmissionLocked, "Submission is locked", map[string]any{"submissionId": submissionID})
}
