// Package geometry converts between rendered-pixel space and PDF point space.
package geometry

import (
	"errors"
	"math"
)

// ErrMetricsUnavailable is returned when a page has not reported usable dimensions.
var ErrMetricsUnavailable = errors.New("page metrics unavailable")

// Feed is one push from the document renderer for a single page.
type Feed struct {
	PageNumber     int     `json:"pageNumber"`
	NativeWidth    float64 `json:"nativeWidth"`
	NativeHeight   float64 `json:"nativeHeight"`
	RenderedWidth  float64 `json:"renderedWidth"`
	RenderedHeight float64 `json:"renderedHeight"`
}

// RenderedPage is the validated form of a Feed plus the derived scale.
type RenderedPage struct {
	PageNumber     int
	NativeWidth    float64
	NativeHeight   float64
	RenderedWidth  float64
	RenderedHeight float64
	Scale          float64
}

// NewRenderedPage validates a feed push. Zero or non-finite dimensions are
// rejected instead of being carried into later divisions.
func NewRenderedPage(feed Feed) (RenderedPage, error) {
	dims := []float64{feed.NativeWidth, feed.NativeHeight, feed.RenderedWidth, feed.RenderedHeight}
	for _, d := range dims {
		if !finite(d) || d <= 0 {
			return RenderedPage{}, ErrMetricsUnavailable
		}
	}
	return RenderedPage{
		PageNumber:     feed.PageNumber,
		NativeWidth:    feed.NativeWidth,
		NativeHeight:   feed.NativeHeight,
		RenderedWidth:  feed.RenderedWidth,
		RenderedHeight: feed.RenderedHeight,
		Scale:          ComputeScale(feed.NativeWidth, feed.RenderedWidth),
	}, nil
}

// ComputeScale returns renderedWidth/nativeWidth, or 1 when that is not a
// usable non-zero finite number.
func ComputeScale(nativeWidth, renderedWidth float64) float64 {
	scale := renderedWidth / nativeWidth
	if !finite(scale) || scale == 0 {
		return 1
	}
	return scale
}

// ToDocumentSpace maps a rendered pixel position to document points.
func ToDocumentSpace(px, py, scale float64) (float64, float64) {
	return px / scale, py / scale
}

// ToRenderSpace maps document points to rendered pixels.
func ToRenderSpace(x, y, scale float64) (float64, float64) {
	return x * scale, y * scale
}

// ClampToPage keeps an annotation box of annoW x annoH fully inside a page of
// pageW x pageH. Each axis is clamped to [0, pageDim-annoDim]; when the box
// is larger than the page the origin is pinned to 0.
func ClampToPage(x, y, annoW, annoH, pageW, pageH float64) (float64, float64) {
	return clampAxis(x, annoW, pageW), clampAxis(y, annoH, pageH)
}

func clampAxis(pos, size, limit float64) float64 {
	upper := limit - size
	if pos > upper {
		pos = upper
	}
	if pos < 0 || math.IsNaN(pos) {
		pos = 0
	}
	return pos
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
