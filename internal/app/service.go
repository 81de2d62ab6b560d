package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"inkmark/api/internal/annotation"
	"inkmark/api/internal/auth"
	"inkmark/api/internal/blob"
	"inkmark/api/internal/config"
	"inkmark/api/internal/flatten"
	"inkmark/api/internal/lock"
	"inkmark/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	FindCurrentAnnotation(context.Context, string, string, annotation.OwnerType) (store.AnnotationSet, error)
	GetAnnotation(context.Context, string) (store.AnnotationSet, error)
	InsertAnnotation(context.Context, store.AnnotationSet) error
	UpdateAnnotationPages(context.Context, string, annotation.Pages, time.Time) error
	DeleteAnnotation(context.Context, string) error
	GetSubmission(context.Context, string) (store.Submission, error)
	SetSubmissionAnnotation(context.Context, string, *string) error
	SaveSubmissionFiles(context.Context, store.SubmissionUpdate) error
	MarkSubmissionGraded(context.Context, string, string) error
}

type flattener interface {
	Flatten(flatten.Request) (flatten.Result, error)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	blobs       blob.Store
	flattener   flattener
	locker      lock.Locker
	logger      *slog.Logger
	now         func() time.Time
	uploadLimit int
}

func New(cfg config.Config, dataStore *store.PostgresStore, blobs blob.Store, locker lock.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.UploadConcurrency
	if limit <= 0 {
		limit = 4
	}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		blobs:       blobs,
		flattener:   flatten.New(flatten.WithFont(cfg.Font)),
		locker:      locker,
		logger:      logger,
		now:         time.Now,
		uploadLimit: limit,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PrincipalFromToken authenticates a bearer token.
func (s *Service) PrincipalFromToken(token string) (auth.Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return auth.Principal{}, err
	}
	return claims.Principal(), nil
}

func (s *Service) loadSubmission(ctx context.Context, submissionID string) (store.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Submission{}, notFound("Submission not found")
	}
	if err != nil {
		return store.Submission{}, err
	}
	return sub, nil
}
