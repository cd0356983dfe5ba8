// Package cropper cuts the raster pieces of a calibrated credential: the
// credential sub-image of the page, the user's photo cropped to the slot
// aspect, and the final card with the photo pasted into its slot.
package cropper

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/credcrop/pkg/compose"
	"github.com/menta2k/credcrop/pkg/types"
)

// ErrEmptyImage is returned for images without pixels.
var ErrEmptyImage = errors.New("cropper: empty image")

// Cropper crops and composes images
type Cropper struct {
	filter        imaging.ResampleFilter
	allowUpscale  bool
	maxSlotPixels int
}

// Option configures a Cropper
type Option func(*Cropper)

// WithFilter sets the resampling filter; Lanczos is used otherwise
func WithFilter(f imaging.ResampleFilter) Option { return func(c *Cropper) { c.filter = f } }

// WithUpscaling allows CropPhoto to enlarge a region smaller than the slot
func WithUpscaling(allow bool) Option { return func(c *Cropper) { c.allowUpscale = allow } }

// New creates a Cropper
func New(opts ...Option) *Cropper {
	c := &Cropper{filter: imaging.Lanczos, maxSlotPixels: 4096}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CropToRect returns the part of img covered by r, normalized to img's frame.
// The result has its origin at (0, 0).
func (c *Cropper) CropToRect(img image.Image, r types.Rect) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, ErrEmptyImage
	}
	px := r.ClampToUnitSquare().Pixels(b.Dx(), b.Dy()).Add(b.Min)
	return imaging.Crop(img, px), nil
}

// CredentialImage crops the rendered page to the credential rect. The photo
// rect is normalized against this image.
func (c *Cropper) CredentialImage(page types.Page, cred types.Rect) (*image.NRGBA, error) {
	if page.Image == nil {
		return nil, ErrEmptyImage
	}
	return c.CropToRect(page.Image, cred)
}

// FitRegion returns the largest rect of the given pixel aspect centred in a
// w x h image, scaled by zoom in (0, 1]. It seeds the photo crop editor.
// Zoom is raised as far as needed to keep both sides at types.MinSize, so the
// region always has the requested aspect. An aspect too extreme to fit at
// MinSize is an error.
func FitRegion(w, h int, aspect, zoom float64) (types.Rect, error) {
	if w <= 0 || h <= 0 {
		return types.Rect{}, ErrEmptyImage
	}
	if !(aspect > 0) || math.IsInf(aspect, 0) {
		return types.Rect{}, fmt.Errorf("cropper: invalid aspect %v", aspect)
	}
	if zoom <= 0 {
		zoom = 1
	}

	fw, fh := float64(w), float64(h)
	fullW := math.Min(fw, aspect*fh)
	minZoom := types.MinSize / math.Min(fullW/fw, fullW/aspect/fh)
	if minZoom > 1+types.Epsilon {
		return types.Rect{}, fmt.Errorf("cropper: aspect %v does not fit a %dx%d image at the minimum size", aspect, w, h)
	}
	widthPx := fullW * types.Clamp(zoom, math.Min(minZoom, 1), 1)
	heightPx := widthPx / aspect

	r := types.Rect{
		X: (fw - widthPx) / 2 / fw,
		Y: (fh - heightPx) / 2 / fh,
		W: widthPx / fw,
		H: heightPx / fh,
	}
	return r.ClampToUnitSquare(), nil
}

// SlotPixelSize returns the slot size in pixels of a credential image that is
// credW x credH pixels
func SlotPixelSize(credW, credH int, photo types.Rect) (int, int) {
	_, _, w, h := compose.SlotPixels(credW, credH, photo)
	return w, h
}

// CropPhoto cuts region out of photo and resizes it to exactly slotW x slotH.
// region should already have the slot aspect; any remaining mismatch is
// absorbed by a centred fill instead of stretching.
func (c *Cropper) CropPhoto(photo image.Image, region types.Rect, slotW, slotH int) (*image.NRGBA, error) {
	if slotW <= 0 || slotH <= 0 {
		return nil, fmt.Errorf("cropper: invalid slot size %dx%d", slotW, slotH)
	}
	if slotW > c.maxSlotPixels || slotH > c.maxSlotPixels {
		return nil, fmt.Errorf("cropper: slot size %dx%d exceeds %d", slotW, slotH, c.maxSlotPixels)
	}
	cropped, err := c.CropToRect(photo, region)
	if err != nil {
		return nil, err
	}

	cw, ch := cropped.Bounds().Dx(), cropped.Bounds().Dy()
	if !c.allowUpscale && (cw < slotW || ch < slotH) {
		// keep the native resolution, only fix the aspect
		scale := math.Min(float64(cw)/float64(slotW), float64(ch)/float64(slotH))
		slotW = max(1, int(float64(slotW)*scale))
		slotH = max(1, int(float64(slotH)*scale))
	}
	return imaging.Fill(cropped, slotW, slotH, imaging.Center, c.filter), nil
}

// ComposeCard pastes overlay into the photo slot of the credential image.
// The overlay covers the slot like CSS object-fit: cover. t shifts the slot
// by a fraction of the credential size and scales it about its centre; a
// zero Scale counts as 1.
func (c *Cropper) ComposeCard(credential image.Image, photo types.Rect, overlay image.Image, t types.OverlayTransform) (*image.NRGBA, error) {
	cb := credential.Bounds()
	if cb.Empty() || overlay == nil || overlay.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	slot := applyTransform(photo, t)
	px := slot.Pixels(cb.Dx(), cb.Dy())

	card := imaging.Clone(credential)
	fitted := imaging.Fill(overlay, px.Dx(), px.Dy(), imaging.Center, c.filter)
	return imaging.Paste(card, fitted, px.Min), nil
}

func applyTransform(r types.Rect, t types.OverlayTransform) types.Rect {
	scale := t.Scale
	if !(scale > 0) || math.IsInf(scale, 0) {
		scale = 1
	}
	cx, cy := r.Center()
	w, h := r.W*scale, r.H*scale
	return types.Rect{
		X: cx - w/2 + t.X,
		Y: cy - h/2 + t.Y,
		W: w,
		H: h,
	}.ClampToUnitSquare()
}
