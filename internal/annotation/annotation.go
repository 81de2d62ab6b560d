// Package annotation defines positioned text annotations and their wire format.
//
// Coordinates are document points with a top-left origin, the way they are
// authored on screen. The flattening engine is responsible for flipping the
// axis when drawing.
package annotation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"inkmark/api/internal/util"
)

// OwnerType distinguishes a student's own markup from a teacher's review markup.
type OwnerType string

const (
	OwnerStudent OwnerType = "student"
	OwnerTeacher OwnerType = "teacher"
)

// KindText is the only annotation kind the pipeline understands.
const KindText = "text"

// LineHeight is the multiple of the font size used for the box height.
const LineHeight = 1.2

var ErrInvalid = errors.New("invalid annotation")

func ParseOwnerType(value string) (OwnerType, bool) {
	switch OwnerType(strings.ToLower(strings.TrimSpace(value))) {
	case OwnerStudent:
		return OwnerStudent, true
	case OwnerTeacher:
		return OwnerTeacher, true
	default:
		return "", false
	}
}

// Text is one positioned text marker.
type Text struct {
	ID         string  `json:"id,omitempty"`
	Type       string  `json:"type"`
	PageNumber int     `json:"pageNumber"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Text       string  `json:"text"`
	FontSize   float64 `json:"fontSize"`
	Color      string  `json:"color"`
	Width      float64 `json:"width"`
}

// Height is the rendered box height in document points.
func (t Text) Height() float64 {
	return t.FontSize * LineHeight
}

// Pages maps a 1-based page number to the annotations placed on it. The JSON
// form is an object keyed by the page number as a string.
type Pages map[int][]Text

// IsEmpty reports whether no page carries any annotation.
func (p Pages) IsEmpty() bool {
	return p.Count() == 0
}

func (p Pages) Count() int {
	total := 0
	for _, items := range p {
		total += len(items)
	}
	return total
}

// PageNumbers returns the populated page numbers in ascending order.
func (p Pages) PageNumbers() []int {
	numbers := make([]int, 0, len(p))
	for page, items := range p {
		if len(items) > 0 {
			numbers = append(numbers, page)
		}
	}
	sort.Ints(numbers)
	return numbers
}

func (p Pages) Clone() Pages {
	out := make(Pages, len(p))
	for page, items := range p {
		out[page] = append([]Text(nil), items...)
	}
	return out
}

// Style carries the defaults used when a field is missing and the constants
// of the auto-fit width formula. Widths are expressed in rendered pixels.
type Style struct {
	FontSize     float64
	Color        string
	MinWidth     float64
	AvgCharWidth float64
	Padding      float64
}

var DefaultStyle = Style{
	FontSize:     16,
	Color:        "#000000",
	MinWidth:     40,
	AvgCharWidth: 8,
	Padding:      16,
}

// FitWidth returns max(minWidth, chars*avgCharWidth/scale + padding/scale).
// The result grows monotonically with the number of characters.
func FitWidth(text string, scale float64, style Style) float64 {
	if !finite(scale) || scale <= 0 {
		scale = 1
	}
	chars := float64(utf8.RuneCountInString(text))
	width := chars*style.AvgCharWidth/scale + style.Padding/scale
	return math.Max(style.MinWidth, width)
}

// Normalize prepares pages for storage: empty pages are dropped, text is
// trimmed, the kind and page number are stamped, missing ids are assigned and
// numeric fields are checked for finiteness.
func Normalize(pages Pages, style Style) (Pages, error) {
	out := make(Pages, len(pages))
	for page, items := range pages {
		if len(items) == 0 {
			continue
		}
		if page < 1 {
			return nil, fmt.Errorf("%w: page number %d", ErrInvalid, page)
		}
		normalized := make([]Text, 0, len(items))
		for i, item := range items {
			if item.Type != "" && item.Type != KindText {
				return nil, fmt.Errorf("%w: page %d item %d: unsupported type %q", ErrInvalid, page, i, item.Type)
			}
			item.Type = KindText
			item.PageNumber = page
			item.Text = strings.TrimSpace(item.Text)
			if item.Text == "" {
				return nil, fmt.Errorf("%w: page %d item %d: text is required", ErrInvalid, page, i)
			}
			if !finite(item.X) || !finite(item.Y) || !finite(item.Width) || !finite(item.FontSize) {
				return nil, fmt.Errorf("%w: page %d item %d: coordinates must be finite", ErrInvalid, page, i)
			}
			if item.FontSize <= 0 {
				item.FontSize = style.FontSize
			}
			if strings.TrimSpace(item.Color) == "" {
				item.Color = style.Color
			}
			if item.Width <= 0 {
				item.Width = FitWidth(item.Text, 1, style)
			}
			if item.ID == "" {
				item.ID = util.NewID("txt")
			}
			normalized = append(normalized, item)
		}
		out[page] = normalized
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
