// Package editor holds the in-memory state of one annotation editing session.
//
// A Session is driven by pointer and keyboard events and is not safe for
// concurrent use; events must be applied one at a time. Nothing here is
// persisted: callers take Pages() and hand it to the persistence layer.
package editor

import (
	"errors"
	"strings"

	"inkmark/api/internal/annotation"
	"inkmark/api/internal/geometry"
	"inkmark/api/internal/util"
)

var (
	ErrViewerNotReady      = errors.New("viewer not ready")
	ErrEmptyAnnotationText = errors.New("annotation text is empty")
	ErrAnnotationNotFound  = errors.New("annotation not found")
	// ErrBusy is returned for a transition the current state does not allow,
	// such as starting a drag while a draft is being placed.
	ErrBusy = errors.New("editor busy")
)

// Placement is the state of the add-text flow.
type Placement int

const (
	PlacementIdle Placement = iota
	PlacementPositioning
	PlacementEditing
)

func (p Placement) String() string {
	switch p {
	case PlacementPositioning:
		return "positioning"
	case PlacementEditing:
		return "editing"
	default:
		return "idle"
	}
}

type drag struct {
	active  bool
	page    int
	id      string
	offsetX float64
	offsetY float64
}

type Session struct {
	style     annotation.Style
	pages     annotation.Pages
	metrics   map[int]geometry.RenderedPage
	placement Placement
	draft     *annotation.Text
	drag      drag
	newID     func() string
}

type Option func(*Session)

func WithStyle(style annotation.Style) Option {
	return func(s *Session) { s.style = style }
}

// WithIDGenerator overrides how local annotation ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

// NewSession starts an editing session seeded with previously saved pages.
func NewSession(initial annotation.Pages, opts ...Option) *Session {
	s := &Session{
		style:   annotation.DefaultStyle,
		pages:   initial.Clone(),
		metrics: make(map[int]geometry.RenderedPage),
		newID:   func() string { return util.NewID("txt") },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateMetrics applies a renderer push. Invalid dimensions clear the page so
// later events fail instead of computing with zeros.
func (s *Session) UpdateMetrics(feed geometry.Feed) error {
	page, err := geometry.NewRenderedPage(feed)
	if err != nil {
		s.metrics[feed.PageNumber] = geometry.RenderedPage{PageNumber: feed.PageNumber}
		return err
	}
	s.metrics[feed.PageNumber] = page
	return nil
}

func (s *Session) pageMetrics(page int) (geometry.RenderedPage, error) {
	m, ok := s.metrics[page]
	if !ok {
		return geometry.RenderedPage{}, ErrViewerNotReady
	}
	if m.Scale == 0 || m.NativeWidth <= 0 || m.NativeHeight <= 0 {
		return geometry.RenderedPage{}, geometry.ErrMetricsUnavailable
	}
	return m, nil
}

func (s *Session) Placement() Placement { return s.placement }

func (s *Session) Dragging() bool { return s.drag.active }

// Draft returns a copy of the draft being edited, if any.
func (s *Session) Draft() (annotation.Text, bool) {
	if s.draft == nil {
		return annotation.Text{}, false
	}
	return *s.draft, true
}

// BeginPlacement is the "add text" action: Idle -> Positioning.
func (s *Session) BeginPlacement() error {
	if s.drag.active || s.placement != PlacementIdle {
		return ErrBusy
	}
	s.placement = PlacementPositioning
	return nil
}

// PlaceDraft handles the page click while positioning: the pixel position is
// converted to document points, clamped, and becomes the draft origin.
func (s *Session) PlaceDraft(page int, px, py float64) (annotation.Text, error) {
	if s.placement != PlacementPositioning {
		return annotation.Text{}, ErrBusy
	}
	m, err := s.pageMetrics(page)
	if err != nil {
		return annotation.Text{}, err
	}
	draft := annotation.Text{
		ID:         s.newID(),
		Type:       annotation.KindText,
		PageNumber: page,
		FontSize:   s.style.FontSize,
		Color:      s.style.Color,
		Width:      annotation.FitWidth("", m.Scale, s.style),
	}
	x, y := geometry.ToDocumentSpace(px, py, m.Scale)
	draft.X, draft.Y = geometry.ClampToPage(x, y, draft.Width, draft.Height(), m.NativeWidth, m.NativeHeight)
	s.draft = &draft
	s.placement = PlacementEditing
	return draft, nil
}

// SetDraftText updates the draft text and refits its width.
func (s *Session) SetDraftText(text string) error {
	if s.placement != PlacementEditing || s.draft == nil {
		return ErrBusy
	}
	s.draft.Text = text
	s.draft.Width = annotation.FitWidth(text, s.scaleFor(s.draft.PageNumber), s.style)
	return nil
}

// CommitDraft stores the draft in the session list. Blank text discards the
// draft and reports ErrEmptyAnnotationText; the session returns to Idle either way.
func (s *Session) CommitDraft() (annotation.Text, error) {
	if s.placement != PlacementEditing || s.draft == nil {
		return annotation.Text{}, ErrBusy
	}
	draft := *s.draft
	s.draft = nil
	s.placement = PlacementIdle

	draft.Text = strings.TrimSpace(draft.Text)
	if draft.Text == "" {
		return annotation.Text{}, ErrEmptyAnnotationText
	}
	s.pages[draft.PageNumber] = append(s.pages[draft.PageNumber], draft)
	return draft, nil
}

// CancelDraft abandons positioning or editing.
func (s *Session) CancelDraft() {
	s.draft = nil
	s.placement = PlacementIdle
}

// BeginDrag starts moving an existing annotation. The pointer-to-origin
// offset is kept so the grabbed point stays under the pointer.
func (s *Session) BeginDrag(page int, id string, px, py float64) error {
	if s.placement != PlacementIdle || s.drag.active {
		return ErrBusy
	}
	m, err := s.pageMetrics(page)
	if err != nil {
		return err
	}
	idx := s.indexOf(page, id)
	if idx < 0 {
		return ErrAnnotationNotFound
	}
	item := s.pages[page][idx]
	originX, originY := geometry.ToRenderSpace(item.X, item.Y, m.Scale)
	s.drag = drag{
		active:  true,
		page:    page,
		id:      id,
		offsetX: px - originX,
		offsetY: py - originY,
	}
	return nil
}

// DragTo moves the dragged annotation so that its origin sits at pointer
// minus the recorded offset, clamped to the page.
func (s *Session) DragTo(px, py float64) (annotation.Text, error) {
	if !s.drag.active {
		return annotation.Text{}, ErrBusy
	}
	m, err := s.pageMetrics(s.drag.page)
	if err != nil {
		return annotation.Text{}, err
	}
	idx := s.indexOf(s.drag.page, s.drag.id)
	if idx < 0 {
		s.drag = drag{}
		return annotation.Text{}, ErrAnnotationNotFound
	}
	item := &s.pages[s.drag.page][idx]
	x, y := geometry.ToDocumentSpace(px-s.drag.offsetX, py-s.drag.offsetY, m.Scale)
	item.X, item.Y = geometry.ClampToPage(x, y, item.Width, item.Height(), m.NativeWidth, m.NativeHeight)
	return *item, nil
}

// EndDrag is the pointer-up event.
func (s *Session) EndDrag() {
	s.drag = drag{}
}

// UpdateText edits a committed annotation in place and refits its width.
func (s *Session) UpdateText(page int, id, text string) (annotation.Text, error) {
	idx := s.indexOf(page, id)
	if idx < 0 {
		return annotation.Text{}, ErrAnnotationNotFound
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return annotation.Text{}, ErrEmptyAnnotationText
	}
	item := &s.pages[page][idx]
	item.Text = trimmed
	item.Width = annotation.FitWidth(trimmed, s.scaleFor(page), s.style)
	return *item, nil
}

// Delete removes the annotation with the given id from whichever page holds it.
func (s *Session) Delete(id string) bool {
	for page, items := range s.pages {
		for i, item := range items {
			if item.ID != id {
				continue
			}
			s.pages[page] = append(items[:i:i], items[i+1:]...)
			if len(s.pages[page]) == 0 {
				delete(s.pages, page)
			}
			if s.drag.id == id {
				s.drag = drag{}
			}
			return true
		}
	}
	return false
}

// Pages returns a copy of the session contents for persistence.
func (s *Session) Pages() annotation.Pages {
	return s.pages.Clone()
}

func (s *Session) indexOf(page int, id string) int {
	for i, item := range s.pages[page] {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) scaleFor(page int) float64 {
	if m, ok := s.metrics[page]; ok && m.Scale > 0 {
		return m.Scale
	}
	return 1
}
