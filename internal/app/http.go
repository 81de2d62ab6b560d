package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"inkmark/api/internal/annotation"
	"inkmark/api/internal/auth"
	"inkmark/api/internal/flatten"
	"inkmark/api/internal/store"
)

const defaultMaxUpload = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	maxUpload  int64
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	maxUpload := service.cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		maxUpload:  maxUpload,
		logger:     service.logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	switch {
	case parts[1] == "annotations" && len(parts) == 3 && r.Method == http.MethodDelete:
		if err := s.service.DeleteAnnotation(r.Context(), principal, parts[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case parts[1] == "submissions" && len(parts) >= 3:
		s.handleSubmission(w, r, principal, parts[2], parts[3:])
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	}
}

func (s *HTTPServer) handleSubmission(w http.ResponseWriter, r *http.Request, p auth.Principal, submissionID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		sub, err := s.service.GetSubmission(r.Context(), p, submissionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submission": submissionPayload(sub)})

	case len(rest) == 2 && rest[0] == "annotations" && r.Method == http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Body could not be read", nil)
			return
		}
		pages, err := annotation.DecodePages(body)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
			return
		}
		set, err := s.service.SaveAnnotation(r.Context(), p, submissionID, rest[1], pages)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if set == nil {
			writeJSON(w, http.StatusOK, map[string]any{"annotation": nil, "deleted": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": annotationPayload(*set), "deleted": false})

	case len(rest) == 2 && rest[0] == "annotations" && r.Method == http.MethodGet:
		set, err := s.service.GetAnnotation(r.Context(), p, submissionID, rest[1], r.URL.Query().Get("ownerId"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": annotationPayload(set)})

	case len(rest) == 1 && (rest[0] == "finalize" || rest[0] == "update") && r.Method == http.MethodPost:
		files, values, err := s.readMultipart(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		annotationID := firstValue(values, "annotationId")

		var sub store.Submission
		if rest[0] == "finalize" {
			sub, err = s.service.Finalize(r.Context(), p, submissionID, files, annotationID)
		} else {
			sub, err = s.service.UpdateSubmission(r.Context(), p, submissionID, files, splitValues(values["deleteKeys"]), annotationID)
		}
		if err != nil {
			if status, _, _, _ := mapError(err); status >= http.StatusInternalServerError {
				s.logger.Error("submission write failed", "submissionId", submissionID, "error", err)
			}
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submission": submissionPayload(sub)})

	case len(rest) == 1 && rest[0] == "grade" && r.Method == http.MethodPost:
		var body struct {
			Grade string `json:"grade"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sub, err := s.service.RecordGrade(r.Context(), p, submissionID, body.Grade)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submission": submissionPayload(sub)})

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	}
}

func (s *HTTPServer) readMultipart(w http.ResponseWriter, r *http.Request) ([]Upload, map[string][]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return nil, nil, fmt.Errorf("invalid multipart body")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	uploads := make([]Upload, 0, len(headers))
	for _, header := range headers {
		data, err := readPart(header)
		if err != nil {
			return nil, nil, fmt.Errorf("read file %s", header.Filename)
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(data)
		}
		uploads = append(uploads, Upload{Name: header.Filename, ContentType: contentType, Data: data})
	}
	return uploads, r.MultipartForm.Value, nil
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func firstValue(values map[string][]string, key string) string {
	for _, v := range values[key] {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// splitValues accepts repeated fields as well as comma separated lists.
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func annotationPayload(set store.AnnotationSet) map[string]any {
	pages := set.Pages
	if pages == nil {
		pages = annotation.Pages{}
	}
	return map[string]any{
		"id":           set.ID,
		"submissionId": set.SubmissionID,
		"ownerId":      set.OwnerID,
		"type":         set.OwnerType,
		"pages":        pages,
		"isFinal":      set.IsFinal,
		"updatedAt":    set.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func submissionPayload(sub store.Submission) map[string]any {
	files := sub.Files
	if files == nil {
		files = []store.StoredFile{}
	}
	return map[string]any{
		"id":           sub.ID,
		"homeworkId":   sub.HomeworkID,
		"studentId":    sub.StudentID,
		"files":        files,
		"annotationId": sub.AnnotationID,
		"status":       sub.Status,
		"isLocked":     sub.IsLocked,
		"dueAt":        formatTime(sub.DueAt),
		"submittedAt":  formatTime(sub.SubmittedAt),
		"grade":        sub.Grade,
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Principal{}, false
	}
	principal, err := s.service.PrincipalFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, annotation.ErrInvalid) {
		return http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil
	}
	if errors.Is(err, flatten.ErrDocumentParse) {
		return http.StatusUnprocessableEntity, CodeDocumentParseFailure, "Document could not be read", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
