// Package credcrop calibrates where a credential sits on page 1 of a fixed
// layout PDF and where the photo goes inside it, then crops and composes the
// pieces.
//
// Basic usage:
//
//	cfg := config.Default()
//	cal, err := credcrop.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	size, err := cal.Upload("credencial.pdf", data)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// page.png is page 1 rendered by any rasterizer
//	page, err := cal.Page(pageImage, size)
//	res, err := cal.InitialCrop(ctx, page)
//	fmt.Printf("credential at %v (from %s)\n", res.Rect, res.Source)
//
// The pieces live in their own packages:
//
//  1. Rect model (pkg/types): normalized rects and their invariants
//  2. Template detector (pkg/template): point space to normalized rect
//  3. Rect editor (pkg/editor): corner and body dragging, optional aspect lock
//  4. Composer (pkg/compose): photo slot size and aspect across frames
//
// Everything else (PDF checks and cropping, the calibration fallback chain,
// the optional vision locator, raster cropping and session storage) is
// plumbing around those four.
package credcrop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/credcrop/internal/config"
	"github.com/menta2k/credcrop/internal/store"
	"github.com/menta2k/credcrop/pkg/calibrate"
	"github.com/menta2k/credcrop/pkg/client"
	"github.com/menta2k/credcrop/pkg/compose"
	"github.com/menta2k/credcrop/pkg/cropper"
	"github.com/menta2k/credcrop/pkg/editor"
	"github.com/menta2k/credcrop/pkg/llamacpp"
	"github.com/menta2k/credcrop/pkg/locate"
	"github.com/menta2k/credcrop/pkg/ollama"
	"github.com/menta2k/credcrop/pkg/pdfcrop"
	"github.com/menta2k/credcrop/pkg/processing"
	"github.com/menta2k/credcrop/pkg/template"
	"github.com/menta2k/credcrop/pkg/types"
)

// Version of the credcrop library
const Version = "1.0.0"

// Calibrator ties the calibration pieces to one session store
type Calibrator struct {
	cfg     *config.Config
	store   *store.Store
	proc    *processing.Processor
	cropper *cropper.Cropper
	locator *locate.Locator
	vision  client.VisionClient
	log     logrus.FieldLogger
}

// Option configures a Calibrator
type Option func(*Calibrator)

// WithStore uses s instead of opening cfg.Storage.Dir
func WithStore(s *store.Store) Option { return func(c *Calibrator) { c.store = s } }

// WithLogger sets the logger; the standard logger is used otherwise
func WithLogger(log logrus.FieldLogger) Option { return func(c *Calibrator) { c.log = log } }

// WithVisionClient uses vc for the vision attempt instead of the configured backend
func WithVisionClient(vc client.VisionClient) Option { return func(c *Calibrator) { c.vision = vc } }

// New creates a Calibrator from cfg
func New(cfg *config.Config, opts ...Option) (*Calibrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Calibrator{
		cfg:     cfg,
		proc:    processing.NewProcessor(processing.WithMaxDownloadBytes(cfg.Limits.MaxImageBytes)),
		cropper: cropper.New(),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		s, err := store.Open(cfg.Storage.Dir, c.log)
		if err != nil {
			return nil, err
		}
		c.store = s
	}

	if cfg.Vision.Enabled || c.vision != nil {
		if c.vision == nil {
			vc, err := newVisionClient(cfg.Vision)
			if err != nil {
				return nil, err
			}
			c.vision = vc
		}
		c.locator = locate.NewLocator(c.vision, cfg.Vision.Model,
			locate.WithMinConfidence(cfg.Vision.MinConfidence),
			locate.WithLogger(c.log))
	}
	return c, nil
}

func newVisionClient(vc config.VisionConfig) (client.VisionClient, error) {
	switch vc.Backend {
	case "llamacpp":
		return llamacpp.NewClient(vc.URL)
	default:
		return ollama.NewClient(vc.URL)
	}
}

// Config returns the configuration the calibrator runs with
func (c *Calibrator) Config() *config.Config { return c.cfg }

// Store returns the session store
func (c *Calibrator) Store() *store.Store { return c.store }

// Upload validates a PDF, stores it as the session document and returns the
// size of its first page
func (c *Calibrator) Upload(name string, data []byte) (pdfcrop.PageSize, error) {
	if err := pdfcrop.Validate(data, name, c.cfg.Limits.MaxPDFBytes); err != nil {
		return pdfcrop.PageSize{}, err
	}
	size, err := pdfcrop.Probe(data)
	if err != nil {
		return pdfcrop.PageSize{}, err
	}
	if err := c.store.SavePDF(name, data); err != nil {
		return pdfcrop.PageSize{}, err
	}
	c.log.WithFields(logrus.Fields{"name": name, "page_w": size.Width, "page_h": size.Height}).Info("document stored")
	return size, nil
}

// PageSize returns the first page size of the stored document
func (c *Calibrator) PageSize() (pdfcrop.PageSize, error) {
	_, data, err := c.store.LoadPDF()
	if err != nil {
		return pdfcrop.PageSize{}, err
	}
	return pdfcrop.Probe(data)
}

// Page pairs a rendered image of page 1 with its size in points. img may be
// nil when only point-space work is needed.
func (c *Calibrator) Page(img image.Image, size pdfcrop.PageSize) types.Page {
	return types.NewPage(img, size.Width, size.Height)
}

// Detect runs the template detector on page
func (c *Calibrator) Detect(page types.Page) template.Detection {
	return template.Inspect(page.PointWidth, page.PointHeight, c.cfg.Template.Spec, c.cfg.Template.Tolerance)
}

// InitialCrop picks the credential crop rect to seed the editor with, trying
// the sources in the configured order
func (c *Calibrator) InitialCrop(ctx context.Context, page types.Page) (calibrate.Result, error) {
	available := map[string]calibrate.Attempt{
		config.AttemptStored:   calibrate.Stored(c.store, store.KeyCredentialCrop),
		config.AttemptTemplate: calibrate.Template(c.cfg.Template.Spec, c.cfg.Template.Tolerance),
		config.AttemptVision:   nil,
		config.AttemptDefault:  calibrate.Default(c.cfg.Defaults.CredentialCrop),
	}
	if c.locator != nil {
		available[config.AttemptVision] = calibrate.Vision(c.locator, func(img image.Image) (string, error) {
			return c.proc.PrepareImageForModel(img, "jpg", c.cfg.Vision.SendSize, c.cfg.Vision.SendQuality)
		})
	}

	attempts, err := calibrate.Select(c.cfg.Calibration.Order, available)
	if err != nil {
		return calibrate.Result{}, err
	}
	return calibrate.FirstSuccess(ctx, calibrate.Input{Page: page}, c.log, attempts...)
}

// TestVision asks the configured vision model to describe the rendered page,
// to check the backend can see images at all
func (c *Calibrator) TestVision(ctx context.Context, page types.Page) (string, error) {
	if c.locator == nil {
		return "", fmt.Errorf("vision is not enabled")
	}
	if page.Image == nil {
		return "", calibrate.ErrNoImage
	}
	b64, err := c.proc.PrepareImageForModel(page.Image, "jpg", c.cfg.Vision.SendSize, c.cfg.Vision.SendQuality)
	if err != nil {
		return "", err
	}
	return c.locator.TestVision(ctx, b64)
}

// LoadImage reads an image from a path or an http(s) URL
func (c *Calibrator) LoadImage(src string) (image.Image, error) {
	return c.proc.LoadImageSmart(src)
}

// AutoCrop replaces the stored document with a one-page PDF holding only the
// template region. The credential crop becomes the full frame.
func (c *Calibrator) AutoCrop() ([]byte, error) {
	name, data, err := c.store.LoadPDF()
	if err != nil {
		return nil, err
	}
	out, err := pdfcrop.Crop(data, c.cfg.Template.Spec)
	if err != nil {
		return nil, err
	}
	if err := c.store.CommitAutoCrop(pdfcrop.CroppedName(name), out); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"name": name, "bytes": len(out)}).Info("auto crop committed")
	return out, nil
}

// ForgetCredentialCrop drops the stored credential crop so the next
// InitialCrop starts from the template again
func (c *Calibrator) ForgetCredentialCrop() error {
	return c.store.DeleteRect(store.KeyCredentialCrop)
}

// CredentialCrop returns the stored credential crop, or the full frame
func (c *Calibrator) CredentialCrop() types.Rect {
	return c.loadRect(store.KeyCredentialCrop, types.FullFrame)
}

// PhotoRect returns the stored photo rect, or the configured default
func (c *Calibrator) PhotoRect() types.Rect {
	return c.loadRect(store.KeyPhotoRect, c.cfg.Defaults.PhotoRect)
}

func (c *Calibrator) loadRect(key string, fallback types.Rect) types.Rect {
	r, err := c.store.LoadRect(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.WithError(err).WithField("key", key).Warn("failed to load rect, using fallback")
		}
		return fallback
	}
	return r
}

// SaveCredentialCrop stores the confirmed credential crop
func (c *Calibrator) SaveCredentialCrop(r types.Rect) error {
	return c.store.SaveRect(store.KeyCredentialCrop, r.ClampToUnitSquare())
}

// SavePhotoRect stores the confirmed photo rect
func (c *Calibrator) SavePhotoRect(r types.Rect) error {
	return c.store.SaveRect(store.KeyPhotoRect, r.ClampToUnitSquare())
}

// ResetPhotoRect restores the default photo rect
func (c *Calibrator) ResetPhotoRect() error {
	return c.store.ResetPhotoRect(c.cfg.Defaults.PhotoRect)
}

// SlotAspect returns the width/height ratio of the photo slot on page
func (c *Calibrator) SlotAspect(page types.Page) (float64, error) {
	w, h := pageSize(page)
	if !(w > 0) || !(h > 0) {
		return 0, fmt.Errorf("page size %vx%v is unusable", w, h)
	}
	a := compose.SlotAspect(w, h, c.CredentialCrop(), c.PhotoRect())
	if math.IsNaN(a) || math.IsInf(a, 0) || a <= 0 {
		return 0, fmt.Errorf("photo slot aspect %v is not finite", a)
	}
	return a, nil
}

// pageSize prefers the point size; the aspect does not depend on the scale
func pageSize(page types.Page) (float64, float64) {
	if page.PointWidth > 0 && page.PointHeight > 0 {
		return page.PointWidth, page.PointHeight
	}
	return float64(page.PixelWidth), float64(page.PixelHeight)
}

// PhotoLock returns the aspect lock for cropping a photo of photoW x photoH
// pixels into the slot
func (c *Calibrator) PhotoLock(page types.Page, photoW, photoH int) (editor.Lock, error) {
	a, err := c.SlotAspect(page)
	if err != nil {
		return editor.Lock{}, err
	}
	lock := editor.AspectLock(a, float64(photoW), float64(photoH))
	if _, err := lock.Normalized(); err != nil {
		return editor.Lock{}, err
	}
	return lock, nil
}

// InitialPhotoRegion returns the largest slot-shaped region centred in the
// photo, shrunk by zoom in (0, 1]
func (c *Calibrator) InitialPhotoRegion(page types.Page, photo image.Image, zoom float64) (types.Rect, error) {
	a, err := c.SlotAspect(page)
	if err != nil {
		return types.Rect{}, err
	}
	b := photo.Bounds()
	return cropper.FitRegion(b.Dx(), b.Dy(), a, zoom)
}

// SlotSize returns the photo slot size in pixels on the slot image, which is
// the page rendered at render.slot_scale. Without a point size the rendered
// page's pixel size is used as is.
func (c *Calibrator) SlotSize(page types.Page) (int, int, error) {
	var pw, ph float64
	switch {
	case page.PointWidth > 0 && page.PointHeight > 0:
		scale := c.cfg.Render.SlotScale
		pw, ph = page.PointWidth*scale, page.PointHeight*scale
	case page.PixelWidth > 0 && page.PixelHeight > 0:
		pw, ph = float64(page.PixelWidth), float64(page.PixelHeight)
	default:
		return 0, 0, fmt.Errorf("page has neither a point nor a pixel size")
	}
	w, h := compose.SlotSize(pw, ph, c.CredentialCrop(), c.PhotoRect())
	return max(1, int(math.Round(w))), max(1, int(math.Round(h))), nil
}

// CredentialImage crops the rendered page to the stored credential crop
func (c *Calibrator) CredentialImage(page types.Page) (image.Image, error) {
	return c.cropper.CredentialImage(page, c.CredentialCrop())
}

// CropPhoto cuts region out of photo at the slot's pixel size (see SlotSize),
// encodes it and stores it as the overlay photo
func (c *Calibrator) CropPhoto(page types.Page, photo image.Image, region types.Rect) (image.Image, error) {
	slotW, slotH, err := c.SlotSize(page)
	if err != nil {
		return nil, err
	}

	out, err := c.cropper.CropPhoto(photo, region, slotW, slotH)
	if err != nil {
		return nil, err
	}
	data, contentType, err := c.proc.EncodeImage(out, c.cfg.Output.EncodeOptions())
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveOverlayPhoto(data, contentType); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"slot_w": slotW, "slot_h": slotH, "type": contentType}).Info("overlay photo stored")
	return out, nil
}

// SetOverlayTransform stores how the overlay photo is shifted and scaled
// inside its slot. A zero scale means 1.
func (c *Calibrator) SetOverlayTransform(t types.OverlayTransform) error {
	if t.Scale == 0 {
		t.Scale = 1
	}
	for _, v := range []float64{t.X, t.Y, t.Scale} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("overlay transform %+v is not finite", t)
		}
	}
	if t.Scale < 0 {
		return fmt.Errorf("overlay scale %v must be positive", t.Scale)
	}
	return c.store.SaveOverlayTransform(t)
}

// ComposeCard pastes the stored overlay photo into the credential image
func (c *Calibrator) ComposeCard(page types.Page) (image.Image, error) {
	cred, err := c.CredentialImage(page)
	if err != nil {
		return nil, err
	}
	data, _, err := c.store.LoadOverlayPhoto()
	if err != nil {
		return nil, err
	}
	overlay, err := c.proc.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("overlay photo: %w", err)
	}
	t, err := c.store.LoadOverlayTransform()
	if errors.Is(err, store.ErrNotFound) {
		t = types.OverlayTransform{Scale: 1}
	} else if err != nil {
		return nil, err
	}
	return c.cropper.ComposeCard(cred, c.PhotoRect(), overlay, t)
}

// DebugOverlay draws the credential crop and photo slot on the rendered page
func (c *Calibrator) DebugOverlay(page types.Page) (image.Image, error) {
	if page.Image == nil {
		return nil, calibrate.ErrNoImage
	}
	return c.proc.CreateDebugOverlay(page.Image, c.CredentialCrop(), c.PhotoRect()), nil
}

// Reset clears the whole session
func (c *Calibrator) Reset() error {
	return c.store.Clear()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
