package store

import (
	"time"

	"inkmark/api/internal/annotation"
)

const (
	StatusAssigned  = "assigned"
	StatusSubmitted = "submitted"
	StatusGraded    = "graded"
)

// AnnotationSet is the durable record of one owner's annotations on one
// submission.
type AnnotationSet struct {
	ID           string
	SubmissionID string
	OwnerID      string
	OwnerType    annotation.OwnerType
	Pages        annotation.Pages
	IsFinal      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type StoredFile struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Flattened   bool   `json:"flattened"`
}

type Submission struct {
	ID           string
	HomeworkID   string
	StudentID    string
	Files        []StoredFile
	AnnotationID *string
	Status       string
	IsLocked     bool
	DueAt        *time.Time
	SubmittedAt  *time.Time
	Grade        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SubmissionUpdate is the durable write at the end of finalize/update.
type SubmissionUpdate struct {
	ID              string
	Files           []StoredFile
	Status          string
	SubmittedAt     time.Time
	ClearAnnotation bool
}
