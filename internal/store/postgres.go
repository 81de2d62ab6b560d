package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"inkmark/api/internal/annotation"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const annotationColumns = `id, submission_id, owner_id, owner_type, pages, is_final, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (AnnotationSet, error) {
	var (
		item      AnnotationSet
		ownerType string
		pagesRaw  []byte
	)
	if err := row.Scan(&item.ID, &item.SubmissionID, &item.OwnerID, &ownerType, &pagesRaw, &item.IsFinal, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return AnnotationSet{}, err
	}
	item.OwnerType = annotation.OwnerType(ownerType)
	pages, err := annotation.DecodePages(pagesRaw)
	if err != nil {
		return AnnotationSet{}, fmt.Errorf("decode annotation %s pages: %w", item.ID, err)
	}
	item.Pages = pages
	return item, nil
}

// FindCurrentAnnotation returns the most recently updated set for the key or
// sql.ErrNoRows.
func (s *PostgresStore) FindCurrentAnnotation(ctx context.Context, submissionID, ownerID string, ownerType annotation.OwnerType) (AnnotationSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE submission_id=$1 AND owner_id=$2 AND owner_type=$3
		ORDER BY updated_at DESC
		LIMIT 1
	`, submissionID, ownerID, string(ownerType))
	return scanAnnotation(row)
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (AnnotationSet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=$1`, annotationID)
	return scanAnnotation(row)
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, item AnnotationSet) error {
	pages, err := annotation.EncodePages(item.Pages)
	if err != nil {
		return fmt.Errorf("encode annotation pages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, submission_id, owner_id, owner_type, pages, is_final, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, item.ID, item.SubmissionID, item.OwnerID, string(item.OwnerType), pages, item.IsFinal, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAnnotationPages(ctx context.Context, annotationID string, pages annotation.Pages, updatedAt time.Time) error {
	encoded, err := annotation.EncodePages(pages)
	if err != nil {
		return fmt.Errorf("encode annotation pages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE annotations SET pages=$2, updated_at=$3 WHERE id=$1`, annotationID, encoded, updatedAt)
	if err != nil {
		return fmt.Errorf("update annotation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAnnotation is idempotent and clears any submission reference to the
// deleted set in the same transaction.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete annotation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE submissions SET annotation_id=NULL, updated_at=NOW() WHERE annotation_id=$1`, annotationID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear submission annotation ref: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, annotationID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete annotation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete annotation: %w", err)
	}
	return nil
}

const submissionColumns = `id, homework_id, student_id, files, annotation_id, status, is_locked, due_at, submitted_at, grade, created_at, updated_at`

func scanSubmission(row rowScanner) (Submission, error) {
	var (
		item       Submission
		filesRaw   []byte
		annotation sql.NullString
		dueAt      sql.NullTime
		submitted  sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.HomeworkID, &item.StudentID, &filesRaw, &annotation, &item.Status, &item.IsLocked, &dueAt, &submitted, &item.Grade, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Submission{}, err
	}
	if err := json.Unmarshal(filesRaw, &item.Files); err != nil {
		return Submission{}, fmt.Errorf("decode submission %s files: %w", item.ID, err)
	}
	if annotation.Valid {
		item.AnnotationID = &annotation.String
	}
	if dueAt.Valid {
		item.DueAt = &dueAt.Time
	}
	if submitted.Valid {
		item.SubmittedAt = &submitted.Time
	}
	return item, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, submissionID)
	return scanSubmission(row)
}

// InsertSubmission creates the assigned record when homework is published.
func (s *PostgresStore) InsertSubmission(ctx context.Context, item Submission) error {
	files, err := json.Marshal(nonNilFiles(item.Files))
	if err != nil {
		return fmt.Errorf("encode submission files: %w", err)
	}
	status := item.Status
	if status == "" {
		status = StatusAssigned
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, homework_id, student_id, files, status, is_locked, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.HomeworkID, item.StudentID, files, status, item.IsLocked, item.DueAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSubmissionAnnotation(ctx context.Context, submissionID string, annotationID *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET annotation_id=$2, updated_at=NOW() WHERE id=$1`, submissionID, annotationID)
	if err != nil {
		return fmt.Errorf("set submission annotation: %w", err)
	}
	return nil
}

// SaveSubmissionFiles applies the finalize/update write. A locked or missing
// row yields sql.ErrNoRows and nothing is changed.
func (s *PostgresStore) SaveSubmissionFiles(ctx context.Context, update SubmissionUpdate) error {
	files, err := json.Marshal(nonNilFiles(update.Files))
	if err != nil {
		return fmt.Errorf("encode submission files: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET files=$2,
			status=$3,
			submitted_at=$4,
			annotation_id=CASE WHEN $5 THEN NULL ELSE annotation_id END,
			updated_at=NOW()
		WHERE id=$1 AND is_locked=FALSE
	`, update.ID, files, update.Status, update.SubmittedAt, update.ClearAnnotation)
	if err != nil {
		return fmt.Errorf("save submission files: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save submission files: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkSubmissionGraded(ctx context.Context, submissionID, grade string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET status='graded', is_locked=TRUE, grade=$2, updated_at=NOW()
		WHERE id=$1 AND is_locked=FALSE
	`, submissionID, grade)
	if err != nil {
		return fmt.Errorf("mark submission graded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark submission graded: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nonNilFiles(files []StoredFile) []StoredFile {
	if files == nil {
		return []StoredFile{}
	}
	return files
}
