// Package flatten burns positioned text annotations into a copy of a PDF.
package flatten

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	pdffont "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/text/encoding/charmap"

	"inkmark/api/internal/annotation"
	"inkmark/api/internal/blob"
)

// ErrDocumentParse is returned when the source bytes are not a readable PDF.
var ErrDocumentParse = errors.New("document parse failure")

const (
	DefaultFont     = "Helvetica"
	DefaultFontSize = 12.0
	// KeyPrefix is where flattened documents are written in the blob store.
	KeyPrefix = "submissions/flattened"

	fontResourcePrefix = "Ink"
	lineSpacing        = 1.2
)

type Engine struct {
	font string
	now  func() time.Time
}

type Option func(*Engine)

// WithFont selects the font used for every annotation. Only the 14 standard
// PDF fonts are accepted; other names keep the default.
func WithFont(name string) Option {
	return func(e *Engine) {
		if name = strings.TrimSpace(name); font.IsCoreFont(name) {
			e.font = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		font: DefaultFont,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type Request struct {
	Source     []byte
	Pages      annotation.Pages
	OwnerID    string
	HomeworkID string
	FileName   string
}

type Result struct {
	Data      []byte
	Key       string
	PageCount int
	Drawn     int
	Skipped   int
}

// Flatten draws req.Pages onto a copy of req.Source. Annotations on pages the
// document does not have, and blank texts, are skipped without error.
func (e *Engine) Flatten(req Request) (Result, error) {
	// Engines are shared across requests; pdfcpu keeps per-command state on
	// its configuration.
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(req.Source), conf)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDocumentParse, err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return Result{}, fmt.Errorf("%w: page count: %v", ErrDocumentParse, err)
	}

	result := Result{
		PageCount: ctx.PageCount,
		Key:       blob.ObjectKey(KeyPrefix, req.OwnerID, req.HomeworkID, req.FileName, ".pdf", e.now()),
	}

	plan := make(map[int][]annotation.Text)
	var order []int
	for _, page := range req.Pages.PageNumbers() {
		for _, item := range req.Pages[page] {
			if page < 1 || page > ctx.PageCount || strings.TrimSpace(item.Text) == "" {
				result.Skipped++
				continue
			}
			if _, ok := plan[page]; !ok {
				order = append(order, page)
			}
			plan[page] = append(plan[page], item)
			result.Drawn++
		}
	}

	if len(plan) == 0 {
		result.Data = append([]byte(nil), req.Source...)
		return result, nil
	}

	fontRef, err := pdffont.EnsureFontDict(ctx.XRefTable, e.font, "", "", false, nil)
	if err != nil {
		return Result{}, fmt.Errorf("embed font %s: %w", e.font, err)
	}
	for _, page := range order {
		if err := e.drawPage(ctx, page, *fontRef, plan[page]); err != nil {
			return Result{}, fmt.Errorf("draw page %d: %w", page, err)
		}
	}

	var out bytes.Buffer
	if err := api.Write(ctx, &out, conf); err != nil {
		return Result{}, fmt.Errorf("write document: %w", err)
	}
	result.Data = out.Bytes()
	return result, nil
}

// drawPage appends one content stream holding every item. The page's own
// content is wrapped in q/Q so its graphics state cannot leak into ours.
func (e *Engine) drawPage(ctx *model.Context, pageNr int, fontRef types.IndirectRef, items []annotation.Text) error {
	page, _, inherited, err := ctx.PageDict(pageNr, false)
	if err != nil {
		return err
	}
	if page == nil || inherited == nil || inherited.MediaBox == nil {
		return errors.New("page has no media box")
	}

	resName, err := registerFont(ctx, page, inherited, fontRef)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	b.WriteString("\nQ\n")
	for _, item := range items {
		writeText(&b, resName, item, *inherited.MediaBox)
	}
	return wrapContents(ctx, page, b.Bytes())
}

// registerFont adds fontRef to the page's font resources and returns the name
// it is reachable under. Pages sharing a resource dict share the name.
func registerFont(ctx *model.Context, page types.Dict, inherited *model.InheritedPageAttrs, fontRef types.IndirectRef) (string, error) {
	res := inherited.Resources
	if res == nil {
		res = types.NewDict()
	}
	page.Update("Resources", res)

	fonts := types.NewDict()
	if o, ok := res.Find("Font"); ok {
		d, err := ctx.DereferenceDict(o)
		if err != nil {
			return "", fmt.Errorf("font resources: %w", err)
		}
		if d != nil {
			fonts = d
		}
	}
	res.Update("Font", fonts)

	for name, o := range fonts {
		if ref, ok := o.(types.IndirectRef); ok && ref.ObjectNumber == fontRef.ObjectNumber {
			return name, nil
		}
	}
	for i := 0; ; i++ {
		name := fontResourcePrefix + strconv.Itoa(i)
		if _, taken := fonts.Find(name); !taken {
			fonts.Insert(name, fontRef)
			return name, nil
		}
	}
}

// wrapContents sets the page contents to [q, existing..., overlay].
func wrapContents(ctx *model.Context, page types.Dict, overlay []byte) error {
	overlayRef, err := ctx.StreamDictIndRef(overlay)
	if err != nil {
		return err
	}

	o, found := page.Find("Contents")
	if !found || o == nil {
		page.Update("Contents", *overlayRef)
		return nil
	}

	var existing types.Array
	switch c := o.(type) {
	case types.IndirectRef:
		obj, err := ctx.Dereference(c)
		if err != nil {
			return err
		}
		if arr, ok := obj.(types.Array); ok {
			existing = arr
		} else {
			existing = types.Array{c}
		}
	case types.Array:
		existing = c
	default:
		return errors.New("unsupported page contents")
	}

	openRef, err := ctx.StreamDictIndRef([]byte("q\n"))
	if err != nil {
		return err
	}
	contents := make(types.Array, 0, len(existing)+2)
	contents = append(contents, *openRef)
	contents = append(contents, existing...)
	contents = append(contents, *overlayRef)
	page.Update("Contents", contents)
	return nil
}

// writeText emits one text object whose first baseline starts at the flipped
// position. Embedded newlines start further lines below it.
func writeText(b *bytes.Buffer, resName string, item annotation.Text, box types.Rectangle) {
	size := fontSize(item.FontSize)
	x, y := DrawPosition(item.X, item.Y, size, box.Height())
	c, _ := ParseColor(item.Color)

	fmt.Fprintf(b, "BT\n/%s %.2f Tf\n%.2f TL\n%.3f %.3f %.3f rg\n%.2f %.2f Td\n",
		resName, size, size*lineSpacing, c.R, c.G, c.B, box.LL.X+x, box.LL.Y+y)
	for i, line := range strings.Split(strings.TrimSpace(item.Text), "\n") {
		if i > 0 {
			b.WriteString("T*\n")
		}
		fmt.Fprintf(b, "(%s) Tj\n", literal(line))
	}
	b.WriteString("ET\n")
}

// literal encodes s as WinAnsi and escapes it for a PDF string literal.
// Runes the encoding lacks become '?'.
func literal(s string) string {
	s = strings.TrimRight(s, "\r")
	var b strings.Builder
	for _, r := range s {
		if r == '\t' {
			r = ' '
		}
		c, ok := charmap.Windows1252.EncodeRune(r)
		if !ok || c < 0x20 {
			c = '?'
		}
		switch c {
		case '\\', '(', ')':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// DrawPosition converts top-left authored coordinates into the PDF's
// bottom-left space: drawY = pageHeight - (y + fontSize). The font size is
// the offset from the authored top edge to the text baseline.
func DrawPosition(x, y, size, pageHeight float64) (float64, float64) {
	return x, pageHeight - (y + size)
}

func fontSize(size float64) float64 {
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return DefaultFontSize
	}
	return size
}
