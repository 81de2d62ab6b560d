package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"inkmark/api/internal/annotation"
	"inkmark/api/internal/auth"
	"inkmark/api/internal/blob"
	"inkmark/api/internal/config"
	"inkmark/api/internal/flatten"
	"inkmark/api/internal/lock"
	"inkmark/api/internal/rbac"
	"inkmark/api/internal/store"
)

// fakeStore keeps rows in memory. Any Fn field overrides the matching method.
type fakeStore struct {
	mu          sync.Mutex
	annotations map[string]store.AnnotationSet
	submissions map[string]store.Submission

	pingFn                func(context.Context) error
	saveSubmissionFilesFn func(context.Context, store.SubmissionUpdate) error
	getAnnotationFn       func(context.Context, string) (store.AnnotationSet, error)
}

func newFakeStore(subs ...store.Submission) *fakeStore {
	f := &fakeStore{
		annotations: make(map[string]store.AnnotationSet),
		submissions: make(map[string]store.Submission),
	}
	for _, sub := range subs {
		f.submissions[sub.ID] = sub
	}
	return f
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) FindCurrentAnnotation(_ context.Context, submissionID, ownerID string, ownerType annotation.OwnerType) (store.AnnotationSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		best  store.AnnotationSet
		found bool
	)
	for _, item := range f.annotations {
		if item.SubmissionID != submissionID || item.OwnerID != ownerID || item.OwnerType != ownerType {
			continue
		}
		if !found || item.UpdatedAt.After(best.UpdatedAt) {
			best, found = item, true
		}
	}
	if !found {
		return store.AnnotationSet{}, sql.ErrNoRows
	}
	return best, nil
}

func (f *fakeStore) GetAnnotation(ctx context.Context, id string) (store.AnnotationSet, error) {
	if f.getAnnotationFn != nil {
		return f.getAnnotationFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.annotations[id]
	if !ok {
		return store.AnnotationSet{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertAnnotation(_ context.Context, item store.AnnotationSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotations[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateAnnotationPages(_ context.Context, id string, pages annotation.Pages, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.annotations[id]
	if !ok {
		return sql.ErrNoRows
	}
	item.Pages = pages
	item.UpdatedAt = at
	f.annotations[id] = item
	return nil
}

func (f *fakeStore) DeleteAnnotation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.annotations, id)
	for key, sub := range f.submissions {
		if sub.AnnotationID != nil && *sub.AnnotationID == id {
			sub.AnnotationID = nil
			f.submissions[key] = sub
		}
	}
	return nil
}

func (f *fakeStore) GetSubmission(_ context.Context, id string) (store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[id]
	if !ok {
		return store.Submission{}, sql.ErrNoRows
	}
	return sub, nil
}

func (f *fakeStore) SetSubmissionAnnotation(_ context.Context, id string, annotationID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.submissions[id]
	sub.AnnotationID = annotationID
	f.submissions[id] = sub
	return nil
}

func (f *fakeStore) SaveSubmissionFiles(ctx context.Context, update store.SubmissionUpdate) error {
	if f.saveSubmissionFilesFn != nil {
		return f.saveSubmissionFilesFn(ctx, update)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[update.ID]
	if !ok || sub.IsLocked {
		return sql.ErrNoRows
	}
	sub.Files = update.Files
	sub.Status = update.Status
	at := update.SubmittedAt
	sub.SubmittedAt = &at
	if update.ClearAnnotation {
		sub.AnnotationID = nil
	}
	f.submissions[update.ID] = sub
	return nil
}

func (f *fakeStore) MarkSubmissionGraded(_ context.Context, id, grade string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[id]
	if !ok || sub.IsLocked {
		return sql.ErrNoRows
	}
	sub.Status = store.StatusGraded
	sub.IsLocked = true
	sub.Grade = grade
	f.submissions[id] = sub
	return nil
}

func (f *fakeStore) annotationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.annotations)
}

type fakeFlattener struct {
	flattenFn func(flatten.Request) (flatten.Result, error)
	calls     int
}

func (f *fakeFlattener) Flatten(req flatten.Request) (flatten.Result, error) {
	f.calls++
	if f.flattenFn != nil {
		return f.flattenFn(req)
	}
	return flatten.Result{
		Data: append([]byte("FLAT:"), req.Source...),
		Key:  blob.ObjectKey(flatten.KeyPrefix, req.OwnerID, req.HomeworkID, req.FileName, ".pdf", time.Unix(0, 0)),
	}, nil
}

// flakyBlobs fails Put for keys containing failOn.
type flakyBlobs struct {
	*blob.Memory
	failOn string
}

func (b *flakyBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if b.failOn != "" && strings.Contains(key, b.failOn) {
		return "", errors.New("bucket unavailable")
	}
	return b.Memory.Put(ctx, key, data, contentType)
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const testSecret = "test-secret"

func newTestService(fs *fakeStore, blobs blob.Store) (*Service, *fakeFlattener) {
	fl := &fakeFlattener{}
	return &Service{
		cfg:         config.Config{TokenSecret: testSecret, UploadConcurrency: 2},
		store:       fs,
		blobs:       blobs,
		flattener:   fl,
		locker:      lock.NewLocal(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         func() time.Time { return testNow },
		uploadLimit: 2,
	}, fl
}

var (
	student = auth.Principal{ID: "stu_1", Role: rbac.RoleStudent}
	teacher = auth.Principal{ID: "tch_1", Role: rbac.RoleTeacher}
)

func openSubmission() store.Submission {
	return store.Submission{ID: "sub_1", HomeworkID: "hw_1", StudentID: "stu_1", Status: store.StatusAssigned}
}

func samplePages(text string) annotation.Pages {
	return annotation.Pages{1: {{PageNumber: 1, X: 50, Y: 50, Text: text, FontSize: 16, Color: "#f00"}}}
}

func pdfUpload(name string) Upload {
	return Upload{Name: name, ContentType: "application/pdf", Data: []byte("%PDF-1.4 " + name)}
}

func requireCode(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, domainErr.Code, err)
	}
	return domainErr
}

func TestSaveAnnotationKeepsSingleCurrentRecord(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, _ := newTestService(fs, blob.NewMemory())
	ctx := context.Background()

	first, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("first"))
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	second, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("second"))
	if err != nil {
		t.Fatalf("SaveAnnotation() second error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same record to be overwritten, got %s and %s", first.ID, second.ID)
	}
	if fs.annotationCount() != 1 {
		t.Fatalf("expected one stored record, got %d", fs.annotationCount())
	}

	loaded, err := svc.GetAnnotation(ctx, student, "sub_1", "student", "")
	if err != nil {
		t.Fatalf("GetAnnotation() error = %v", err)
	}
	if got := loaded.Pages[1][0]; got.Text != "second" || got.Type != annotation.KindText || got.ID == "" {
		t.Fatalf("unexpected loaded annotation: %+v", got)
	}
	sub, _ := fs.GetSubmission(ctx, "sub_1")
	if sub.AnnotationID == nil || *sub.AnnotationID != first.ID {
		t.Fatalf("expected submission to reference %s, got %v", first.ID, sub.AnnotationID)
	}
}

func TestSaveAnnotationWithEmptyPagesDeletes(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, _ := newTestService(fs, blob.NewMemory())
	ctx := context.Background()

	if _, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("draft")); err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	set, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", annotation.Pages{1: {}, 2: nil})
	if err != nil {
		t.Fatalf("SaveAnnotation(empty) error = %v", err)
	}
	if set != nil {
		t.Fatalf("expected nil set for empty pages, got %+v", set)
	}
	if fs.annotationCount() != 0 {
		t.Fatalf("expected record removed, got %d", fs.annotationCount())
	}
	_, err = svc.GetAnnotation(ctx, student, "sub_1", "student", "")
	requireCode(t, err, CodeAnnotationNotFound)

	sub, _ := fs.GetSubmission(ctx, "sub_1")
	if sub.AnnotationID != nil {
		t.Fatalf("expected weak reference cleared, got %v", *sub.AnnotationID)
	}
}

func TestSaveAnnotationEnforcesOwnerType(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, _ := newTestService(fs, blob.NewMemory())

	_, err := svc.SaveAnnotation(context.Background(), student, "sub_1", "teacher", samplePages("x"))
	if d := requireCode(t, err, CodeUnsupportedOwnerType); d.Status != 403 {
		t.Fatalf("expected 403, got %d", d.Status)
	}
	_, err = svc.SaveAnnotation(context.Background(), student, "sub_1", "parent", samplePages("x"))
	requireCode(t, err, CodeValidation)

	set, err := svc.SaveAnnotation(context.Background(), teacher, "sub_1", "teacher", samplePages("see me"))
	if err != nil {
		t.Fatalf("teacher SaveAnnotation() error = %v", err)
	}
	sub, _ := fs.GetSubmission(context.Background(), "sub_1")
	if sub.AnnotationID != nil {
		t.Fatalf("teacher sets must not become the submission reference, got %v (set %s)", *sub.AnnotationID, set.ID)
	}
}

func TestSaveAnnotationRejectsInvalidPages(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, _ := newTestService(fs, blob.NewMemory())

	_, err := svc.SaveAnnotation(context.Background(), student, "sub_1", "student", annotation.Pages{1: {{Text: "   "}}})
	d := requireCode(t, err, CodeValidation)
	if !errors.Is(d, annotation.ErrInvalid) {
		t.Fatalf("expected cause to be annotation.ErrInvalid, got %v", d.Err)
	}
}

func TestSaveAnnotationRejectsOtherStudentsSubmission(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, _ := newTestService(fs, blob.NewMemory())
	other := auth.Principal{ID: "stu_2", Role: rbac.RoleStudent}

	_, err := svc.SaveAnnotation(context.Background(), other, "sub_1", "student", samplePages("x"))
	requireCode(t, err, CodeForbidden)
}

func TestDeleteAnnotationIsIdempotent(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, _ := newTestService(fs, blob.NewMemory())
	ctx := context.Background()

	set, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("x"))
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	if err := svc.DeleteAnnotation(ctx, teacher, set.ID); err == nil {
		t.Fatalf("expected another user's delete to be rejected")
	}
	for i := 0; i < 2; i++ {
		if err := svc.DeleteAnnotation(ctx, student, set.ID); err != nil {
			t.Fatalf("DeleteAnnotation() attempt %d error = %v", i+1, err)
		}
	}
	sub, _ := fs.GetSubmission(ctx, "sub_1")
	if sub.AnnotationID != nil {
		t.Fatalf("expected reference cleared after delete")
	}
}

func TestFinalizeLockedSubmissionWritesNothing(t *testing.T) {
	sub := openSubmission()
	sub.IsLocked = true
	sub.Status = store.StatusGraded
	mem := blob.NewMemory()
	svc, fl := newTestService(newFakeStore(sub), mem)

	_, err := svc.Finalize(context.Background(), student, "sub_1", []Upload{pdfUpload("essay.pdf")}, "")
	requireCode(t, err, CodeSubmissionLocked)
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected zero blob keys, got %v", keys)
	}
	if fl.calls != 0 {
		t.Fatalf("expected no flattening, got %d calls", fl.calls)
	}
}

func TestFinalizeAfterDeadlineWritesNothing(t *testing.T) {
	sub := openSubmission()
	due := testNow.Add(-time.Minute)
	sub.DueAt = &due
	mem := blob.NewMemory()
	svc, _ := newTestService(newFakeStore(sub), mem)

	_, err := svc.Finalize(context.Background(), student, "sub_1", []Upload{pdfUpload("essay.pdf")}, "")
	if d := requireCode(t, err, CodeDeadlinePassed); d.Status != 409 {
		t.Fatalf("expected 409, got %d", d.Status)
	}
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected zero blob keys, got %v", keys)
	}
}

func TestFinalizeFlattensPDFsAndPassesOthersThrough(t *testing.T) {
	fs := newFakeStore(openSubmission())
	mem := blob.NewMemory()
	svc, fl := newTestService(fs, mem)
	ctx := context.Background()

	if _, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("Good")); err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	notes := Upload{Name: "notes.txt", ContentType: "text/plain", Data: []byte("plain")}

	sub, err := svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("essay.pdf"), notes}, "")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if fl.calls != 1 {
		t.Fatalf("expected one flatten call, got %d", fl.calls)
	}
	if sub.Status != store.StatusSubmitted || sub.SubmittedAt == nil || !sub.SubmittedAt.Equal(testNow) {
		t.Fatalf("unexpected submission state: %+v", sub)
	}
	if len(sub.Files) != 2 {
		t.Fatalf("expected two stored files, got %+v", sub.Files)
	}

	byName := map[string]store.StoredFile{}
	for _, f := range sub.Files {
		byName[f.Name] = f
	}
	pdf := byName["essay.pdf"]
	if !pdf.Flattened || !strings.HasPrefix(pdf.Key, flatten.KeyPrefix+"/stu_1/hw_1/") || pdf.URL == "" {
		t.Fatalf("unexpected flattened file: %+v", pdf)
	}
	data, err := mem.Get(ctx, pdf.Key)
	if err != nil || !strings.HasPrefix(string(data), "FLAT:") {
		t.Fatalf("expected flattened bytes at %s, got %q (%v)", pdf.Key, data, err)
	}
	txt := byName["notes.txt"]
	if txt.Flattened || !strings.HasPrefix(txt.Key, PassthroughPrefix+"/stu_1/hw_1/notes-") {
		t.Fatalf("unexpected passthrough file: %+v", txt)
	}
	if raw, _ := mem.Get(ctx, txt.Key); string(raw) != "plain" {
		t.Fatalf("expected passthrough bytes unchanged, got %q", raw)
	}
	stored, _ := fs.GetSubmission(ctx, "sub_1")
	if stored.AnnotationID != nil {
		t.Fatalf("expected reference cleared after flattening")
	}
}

func TestFinalizeWithoutAnnotationStoresOriginal(t *testing.T) {
	mem := blob.NewMemory()
	svc, fl := newTestService(newFakeStore(openSubmission()), mem)

	sub, err := svc.Finalize(context.Background(), student, "sub_1", []Upload{pdfUpload("essay.pdf")}, "")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if fl.calls != 0 || sub.Files[0].Flattened {
		t.Fatalf("expected passthrough without annotations, calls=%d file=%+v", fl.calls, sub.Files[0])
	}
}

func TestFinalizeExplicitReferenceConsumesAnnotation(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, _ := newTestService(fs, blob.NewMemory())
	ctx := context.Background()

	set, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("final"))
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	if _, err := svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("essay.pdf")}, set.ID); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if _, err := fs.GetAnnotation(ctx, set.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected explicit annotation deleted, got %v", err)
	}
}

func TestFinalizeImplicitReferenceKeepsDraft(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, fl := newTestService(fs, blob.NewMemory())
	ctx := context.Background()

	set, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("draft"))
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	if _, err := svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("essay.pdf")}, ""); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if fl.calls != 1 {
		t.Fatalf("expected implicit annotation to be flattened")
	}
	if _, err := fs.GetAnnotation(ctx, set.ID); err != nil {
		t.Fatalf("expected draft to survive implicit finalize, got %v", err)
	}
}

func TestFinalizeImplicitPassthroughKeepsReference(t *testing.T) {
	fs := newFakeStore(openSubmission())
	svc, fl := newTestService(fs, blob.NewMemory())
	ctx := context.Background()

	set, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("draft"))
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	notes := Upload{Name: "notes.txt", ContentType: "text/plain", Data: []byte("plain")}
	sub, err := svc.Finalize(ctx, student, "sub_1", []Upload{notes}, "")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if fl.calls != 0 {
		t.Fatalf("expected no flatten for a text upload, got %d", fl.calls)
	}
	stored, _ := fs.GetSubmission(ctx, "sub_1")
	for _, got := range []*string{sub.AnnotationID, stored.AnnotationID} {
		if got == nil || *got != set.ID {
			t.Fatalf("expected reference to %s kept, got %v", set.ID, got)
		}
	}
}

func TestFinalizeRejectsAnotherOwnersAnnotation(t *testing.T) {
	fs := newFakeStore(openSubmission())
	mem := blob.NewMemory()
	svc, fl := newTestService(fs, mem)
	ctx := context.Background()

	review, err := svc.SaveAnnotation(ctx, teacher, "sub_1", "teacher", samplePages("See me"))
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}

	_, err = svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("essay.pdf")}, review.ID)
	requireCode(t, err, CodeAnnotationNotFound)
	if fl.calls != 0 || len(mem.Keys()) != 0 {
		t.Fatalf("expected no side effects, calls=%d keys=%v", fl.calls, mem.Keys())
	}
	if _, err := fs.GetAnnotation(ctx, review.ID); err != nil {
		t.Fatalf("expected teacher set to survive, got %v", err)
	}

	other := store.AnnotationSet{ID: "ann_other", SubmissionID: "sub_1", OwnerID: "stu_2", OwnerType: annotation.OwnerStudent, Pages: samplePages("x"), UpdatedAt: testNow}
	if err := fs.InsertAnnotation(ctx, other); err != nil {
		t.Fatalf("InsertAnnotation() error = %v", err)
	}
	_, err = svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("essay.pdf")}, other.ID)
	requireCode(t, err, CodeAnnotationNotFound)
	if _, err := fs.GetAnnotation(ctx, other.ID); err != nil {
		t.Fatalf("expected other student's set to survive, got %v", err)
	}
}

// letterPDF writes a one-page letter-sized document.
func letterPDF(t *testing.T) []byte {
	t.Helper()
	var (
		buf     bytes.Buffer
		offsets []int
	)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	content := "BT /F1 12 Tf 72 720 Td (Essay) Tj ET"
	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>")
	obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestFinalizeBurnsAnnotationsIntoPDF(t *testing.T) {
	fs := newFakeStore(openSubmission())
	mem := blob.NewMemory()
	svc, _ := newTestService(fs, mem)
	svc.flattener = flatten.New(flatten.WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	set, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("Good"))
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	essay := Upload{Name: "essay.pdf", ContentType: "application/pdf", Data: letterPDF(t)}
	sub, err := svc.Finalize(ctx, student, "sub_1", []Upload{essay}, set.ID)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(sub.Files) != 1 || !sub.Files[0].Flattened {
		t.Fatalf("expected one flattened file, got %+v", sub.Files)
	}

	data, err := mem.Get(ctx, sub.Files[0].Key)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", sub.Files[0].Key, err)
	}
	pdf, err := api.ReadContext(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		t.Fatalf("ReadContext() error = %v", err)
	}
	if err := api.ValidateContext(pdf); err != nil {
		t.Fatalf("ValidateContext() error = %v", err)
	}
	page, _, _, err := pdf.PageDict(1, false)
	if err != nil {
		t.Fatalf("PageDict() error = %v", err)
	}
	content, err := pdf.PageContent(page, 1)
	if err != nil {
		t.Fatalf("PageContent() error = %v", err)
	}
	for _, want := range []string{"(Essay) Tj", "(Good) Tj", "50.00 726.00 Td", "1.000 0.000 0.000 rg"} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("expected %q in flattened content:\n%s", want, content)
		}
	}
	if sub.Files[0].Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), sub.Files[0].Size)
	}
}

func TestFinalizeUnknownExplicitReference(t *testing.T) {
	mem := blob.NewMemory()
	svc, _ := newTestService(newFakeStore(openSubmission()), mem)

	_, err := svc.Finalize(context.Background(), student, "sub_1", []Upload{pdfUpload("essay.pdf")}, "ann_missing")
	requireCode(t, err, CodeAnnotationNotFound)
	if len(mem.Keys()) != 0 {
		t.Fatalf("expected no writes, got %v", mem.Keys())
	}
}

func TestFinalizePersistFailureRollsBackEveryKey(t *testing.T) {
	fs := newFakeStore(openSubmission())
	saveErr := errors.New("connection reset")
	fs.saveSubmissionFilesFn = func(context.Context, store.SubmissionUpdate) error { return saveErr }
	mem := blob.NewMemory()
	svc, _ := newTestService(fs, mem)
	ctx := context.Background()

	if _, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("x")); err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	files := []Upload{pdfUpload("a.pdf"), pdfUpload("b.pdf"), {Name: "c.png", ContentType: "image/png", Data: []byte{1, 2}}}

	_, err := svc.Finalize(ctx, student, "sub_1", files, "")
	d := requireCode(t, err, CodeSubmissionSaveFailed)
	if !errors.Is(d, saveErr) {
		t.Fatalf("expected aggregated error to wrap the cause, got %v", d)
	}
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected zero surviving keys, got %v", keys)
	}
	stored, _ := fs.GetSubmission(ctx, "sub_1")
	if stored.Status != store.StatusAssigned || len(stored.Files) != 0 {
		t.Fatalf("expected submission unchanged, got %+v", stored)
	}
}

func TestFinalizeUploadFailureRollsBack(t *testing.T) {
	mem := blob.NewMemory()
	blobs := &flakyBlobs{Memory: mem, failOn: "broken"}
	svc, _ := newTestService(newFakeStore(openSubmission()), blobs)

	files := []Upload{pdfUpload("ok.pdf"), pdfUpload("broken.pdf"), pdfUpload("also-ok.pdf")}
	_, err := svc.Finalize(context.Background(), student, "sub_1", files, "")
	if d := requireCode(t, err, CodeBlobWriteFailure); d.Status != 502 {
		t.Fatalf("expected 502, got %d", d.Status)
	}
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected rollback to remove every key, got %v", keys)
	}
}

func TestFinalizeParseFailureAbortsBeforeWrites(t *testing.T) {
	fs := newFakeStore(openSubmission())
	mem := blob.NewMemory()
	svc, fl := newTestService(fs, mem)
	fl.flattenFn = func(req flatten.Request) (flatten.Result, error) {
		if req.FileName == "bad.pdf" {
			return flatten.Result{}, flatten.ErrDocumentParse
		}
		return flatten.Result{Data: req.Source, Key: "submissions/flattened/" + req.FileName}, nil
	}
	ctx := context.Background()
	if _, err := svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("x")); err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}

	_, err := svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("good.pdf"), pdfUpload("bad.pdf")}, "")
	if d := requireCode(t, err, CodeDocumentParseFailure); d.Status != 422 {
		t.Fatalf("expected 422, got %d", d.Status)
	}
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected no writes, got %v", keys)
	}
}

func TestFinalizeDuplicateNamesGetDistinctKeys(t *testing.T) {
	mem := blob.NewMemory()
	svc, _ := newTestService(newFakeStore(openSubmission()), mem)

	sub, err := svc.Finalize(context.Background(), student, "sub_1", []Upload{pdfUpload("a.pdf"), pdfUpload("a.pdf")}, "")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if sub.Files[0].Key == sub.Files[1].Key || len(mem.Keys()) != 2 {
		t.Fatalf("expected two distinct keys, got %+v", sub.Files)
	}
}

func TestFinalizeBusyWhenLockHeld(t *testing.T) {
	mem := blob.NewMemory()
	svc, _ := newTestService(newFakeStore(openSubmission()), mem)
	release, err := svc.locker.Acquire(context.Background(), "submission:sub_1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	_, err = svc.Finalize(context.Background(), student, "sub_1", []Upload{pdfUpload("a.pdf")}, "")
	requireCode(t, err, CodeSubmissionBusy)
	if len(mem.Keys()) != 0 {
		t.Fatalf("expected no writes while busy")
	}
}

func TestFinalizeRequiresFilesAndSubmitRole(t *testing.T) {
	svc, _ := newTestService(newFakeStore(openSubmission()), blob.NewMemory())

	_, err := svc.Finalize(context.Background(), student, "sub_1", nil, "")
	requireCode(t, err, CodeValidation)
	_, err = svc.Finalize(context.Background(), teacher, "sub_1", []Upload{pdfUpload("a.pdf")}, "")
	requireCode(t, err, CodeForbidden)
	_, err = svc.Finalize(context.Background(), student, "sub_missing", []Upload{pdfUpload("a.pdf")}, "")
	requireCode(t, err, CodeNotFound)
}

func TestUpdateSubmissionReplacesFiles(t *testing.T) {
	fs := newFakeStore(openSubmission())
	mem := blob.NewMemory()
	svc, _ := newTestService(fs, mem)
	ctx := context.Background()

	first, err := svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("old.pdf"), pdfUpload("keep.pdf")}, "")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	var oldKey, keepKey string
	for _, f := range first.Files {
		if f.Name == "old.pdf" {
			oldKey = f.Key
		} else {
			keepKey = f.Key
		}
	}

	updated, err := svc.UpdateSubmission(ctx, student, "sub_1", []Upload{pdfUpload("new.pdf")}, []string{oldKey, "submissions/files/elsewhere.pdf"}, "")
	if err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}
	names := make([]string, 0, len(updated.Files))
	for _, f := range updated.Files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "keep.pdf,new.pdf" {
		t.Fatalf("unexpected files after update: %v", names)
	}
	if _, err := mem.Get(ctx, oldKey); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected old key deleted, got %v", err)
	}
	if _, err := mem.Get(ctx, keepKey); err != nil {
		t.Fatalf("expected kept key to survive, got %v", err)
	}
}

func TestUpdateSubmissionFailureKeepsOnlyOldKeysDeleted(t *testing.T) {
	fs := newFakeStore(openSubmission())
	mem := blob.NewMemory()
	svc, _ := newTestService(fs, mem)
	ctx := context.Background()

	first, err := svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("old.pdf")}, "")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	fs.saveSubmissionFilesFn = func(context.Context, store.SubmissionUpdate) error { return errors.New("db down") }

	_, err = svc.UpdateSubmission(ctx, student, "sub_1", []Upload{pdfUpload("new.pdf")}, []string{first.Files[0].Key}, "")
	requireCode(t, err, CodeSubmissionSaveFailed)
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected new upload rolled back and old key deleted, got %v", keys)
	}
}

func TestRecordGradeLocksSubmission(t *testing.T) {
	fs := newFakeStore(openSubmission())
	mem := blob.NewMemory()
	svc, _ := newTestService(fs, mem)
	ctx := context.Background()

	_, err := svc.RecordGrade(ctx, teacher, "sub_1", "A")
	requireCode(t, err, CodeNotSubmitted)

	if _, err := svc.Finalize(ctx, student, "sub_1", []Upload{pdfUpload("a.pdf")}, ""); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	_, err = svc.RecordGrade(ctx, student, "sub_1", "A")
	requireCode(t, err, CodeForbidden)

	graded, err := svc.RecordGrade(ctx, teacher, "sub_1", " A- ")
	if err != nil {
		t.Fatalf("RecordGrade() error = %v", err)
	}
	if graded.Status != store.StatusGraded || !graded.IsLocked || graded.Grade != "A-" {
		t.Fatalf("unexpected graded submission: %+v", graded)
	}

	before := len(mem.Keys())
	_, err = svc.UpdateSubmission(ctx, student, "sub_1", []Upload{pdfUpload("late.pdf")}, nil, "")
	requireCode(t, err, CodeSubmissionLocked)
	if len(mem.Keys()) != before {
		t.Fatalf("expected no new keys on locked submission")
	}
	_, err = svc.SaveAnnotation(ctx, student, "sub_1", "student", samplePages("late"))
	requireCode(t, err, CodeSubmissionLocked)
}

func TestGetSubmissionScopesStudents(t *testing.T) {
	svc, _ := newTestService(newFakeStore(openSubmission()), blob.NewMemory())

	if _, err := svc.GetSubmission(context.Background(), student, "sub_1"); err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if _, err := svc.GetSubmission(context.Background(), teacher, "sub_1"); err != nil {
		t.Fatalf("teacher GetSubmission() error = %v", err)
	}
	_, err := svc.GetSubmission(context.Background(), auth.Principal{ID: "stu_9", Role: rbac.RoleStudent}, "sub_1")
	requireCode(t, err, CodeForbidden)
}
