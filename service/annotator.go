package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

func init() {
	// pdfcpu otherwise creates a config dir under the user's home on first use.
	api.DisableConfigDir()
}

// Annotator validates documents and stamps signatures onto them.
type Annotator interface {
	Validate(doc []byte) bool
	Annotate(doc []byte, stamp Stamp) ([]byte, error)
}

// Stamp is one signer's visual mark. Images are base64, optionally as data URLs.
type Stamp struct {
	SignatureImage string
	SealImage      string
	DisplayName    string
	// Slot is the signer's order, 0 for the contract creator.
	Slot     int
	SignedAt time.Time
}

// Rect is an area on a page in PDF points, origin at the bottom-left corner.
type Rect struct {
	X, Y, W, H float64
}

// Slot grid on the last page. Y is the bottom edge of the image area; the
// caption sits below it.
const (
	slotWidth       = 170.0
	slotImageHeight = 60.0
	captionHeight   = 22.0
	rowPitch        = 110.0
	bottomMargin    = 36.0
	// pixels rendered per point, so stamps stay sharp when zoomed
	stampDensity = 3.0
	captionSize  = 8
)

var (
	slotColumns = []float64{36, 221, 406}
	slotRows    = []float64{250, 140}
)

// SlotCount is the number of slots with a fixed position.
var SlotCount = len(slotColumns) * len(slotRows)

// SlotRect maps a slot index to its image rectangle. Indices past the fixed
// grid are stacked in extra rows below the last one, clamped to the margin.
func SlotRect(slot int) Rect {
	if slot < 0 {
		slot = 0
	}
	cols := len(slotColumns)
	if slot < SlotCount {
		return Rect{
			X: slotColumns[slot%cols],
			Y: slotRows[slot/cols],
			W: slotWidth,
			H: slotImageHeight,
		}
	}

	extra := slot - SlotCount
	y := slotRows[len(slotRows)-1] - rowPitch*float64(extra/cols+1)
	if floor := bottomMargin + captionHeight; y < floor {
		y = floor
	}
	return Rect{X: slotColumns[extra%cols], Y: y, W: slotWidth, H: slotImageHeight}
}

// PDFAnnotator stamps PNG-rendered images and a text caption onto the last
// page of a PDF using pdfcpu watermarks.
type PDFAnnotator struct {
	now func() time.Time
}

func NewPDFAnnotator() *PDFAnnotator {
	return &PDFAnnotator{now: time.Now}
}

func newPDFConfig() *pdfmodel.Configuration {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return conf
}

// Validate reports whether doc parses as a PDF. Content is not inspected.
func (a *PDFAnnotator) Validate(doc []byte) bool {
	if !bytes.HasPrefix(bytes.TrimLeft(doc, "\x00\t\r\n "), []byte("%PDF-")) {
		return false
	}
	return api.Validate(bytes.NewReader(doc), newPDFConfig()) == nil
}

// Annotate returns a copy of doc with the stamp merged onto the last page.
// On error nothing is returned.
func (a *PDFAnnotator) Annotate(doc []byte, stamp Stamp) ([]byte, error) {
	pages, err := api.PageCount(bytes.NewReader(doc), newPDFConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if pages < 1 {
		return nil, errors.New("document has no pages")
	}
	if stamp.SignatureImage == "" {
		return nil, errors.New("signature image is empty")
	}

	slot := SlotRect(stamp.Slot)
	sigRect := slot
	var sealRect Rect
	if stamp.SealImage != "" {
		sigRect.W = slot.W * 0.6
		sealRect = Rect{X: slot.X + slot.W*0.62, Y: slot.Y, W: slot.W * 0.38, H: slot.H}
	}

	var watermarks []*pdfmodel.Watermark

	wm, err := imageWatermark(stamp.SignatureImage, sigRect)
	if err != nil {
		return nil, fmt.Errorf("signature image: %w", err)
	}
	watermarks = append(watermarks, wm)

	if stamp.SealImage != "" {
		wm, err := imageWatermark(stamp.SealImage, sealRect)
		if err != nil {
			return nil, fmt.Errorf("seal image: %w", err)
		}
		watermarks = append(watermarks, wm)
	}

	signedAt := stamp.SignedAt
	if signedAt.IsZero() {
		signedAt = a.now()
	}
	wm, err = captionWatermark(stamp.DisplayName, signedAt, slot)
	if err != nil {
		return nil, fmt.Errorf("caption: %w", err)
	}
	watermarks = append(watermarks, wm)

	selected := []string{fmt.Sprint(pages)}
	out := doc
	for _, wm := range watermarks {
		var buf bytes.Buffer
		if err := api.AddWatermarks(bytes.NewReader(out), &buf, selected, wm, newPDFConfig()); err != nil {
			return nil, fmt.Errorf("failed to stamp page %d: %w", pages, err)
		}
		out = buf.Bytes()
	}
	return out, nil
}

func imageWatermark(encoded string, r Rect) (*pdfmodel.Watermark, error) {
	img, err := DecodeStampImage(encoded)
	if err != nil {
		return nil, err
	}
	fitted := fitInto(FlattenOnWhite(img), r.W*stampDensity, r.H*stampDensity)

	var png bytes.Buffer
	if err := imaging.Encode(&png, fitted, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode stamp: %w", err)
	}

	w := float64(fitted.Bounds().Dx()) / stampDensity
	h := float64(fitted.Bounds().Dy()) / stampDensity
	x := r.X + (r.W-w)/2
	y := r.Y + (r.H-h)/2

	desc := fmt.Sprintf("position:bl, offset:%.2f %.2f, scalefactor:%.4f abs, rotation:0, opacity:1",
		x, y, 1/stampDensity)
	return api.ImageWatermarkForReader(&png, desc, true, false, types.POINTS)
}

func captionWatermark(name string, at time.Time, slot Rect) (*pdfmodel.Watermark, error) {
	text := strings.TrimSpace(name)
	if text == "" {
		text = "-"
	}
	text += "\n" + at.Format("2006-01-02 15:04 MST")

	desc := fmt.Sprintf("fontname:Helvetica, points:%d, position:bl, offset:%.2f %.2f, scalefactor:1 abs, rotation:0, opacity:1, fillcolor:#000000, aligntext:l",
		captionSize, slot.X, slot.Y-captionHeight)
	return api.TextWatermark(text, desc, true, false, types.POINTS)
}

// DecodeStampImage decodes a base64 image, accepting "data:image/...;base64," prefixes.
func DecodeStampImage(encoded string) (image.Image, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, errors.New("malformed data url")
		}
		s = s[i+1:]
	}
	if s == "" {
		return nil, errors.New("image is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// FlattenOnWhite composites img over an opaque white background.
func FlattenOnWhite(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// fitInto scales img up or down to fit a w×h box, keeping its aspect ratio.
func fitInto(img image.Image, w, h float64) *image.NRGBA {
	b := img.Bounds()
	scale := math.Min(w/float64(b.Dx()), h/float64(b.Dy()))
	nw := int(math.Max(1, math.Round(float64(b.Dx())*scale)))
	nh := int(math.Max(1, math.Round(float64(b.Dy())*scale)))
	return imaging.Resize(img, nw, nh, imaging.Lanczos)
}
