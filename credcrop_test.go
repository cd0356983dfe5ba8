package credcrop

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"math"
	"testing"

	"codeberg.org/go-pdf/fpdf"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/credcrop/internal/config"
	"github.com/menta2k/credcrop/internal/store"
	"github.com/menta2k/credcrop/pkg/calibrate"
	"github.com/menta2k/credcrop/pkg/pdfcrop"
	"github.com/menta2k/credcrop/pkg/template"
	"github.com/menta2k/credcrop/pkg/types"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

type fakeVision struct {
	result *types.AnalysisResult
	calls  int
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a credential", nil
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	f.calls++
	r := *f.result
	return &r, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestCalibrator(t *testing.T, opts ...Option) *Calibrator {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	c, err := New(cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

// createTestImage creates a solid image for testing
func createTestImage(width, height int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func createTestPDF(t *testing.T, w, h float64) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
	s := template.Default
	pdf.SetFillColor(20, 80, 160)
	pdf.Rect(s.Left, h-s.Top(), s.Width, s.Height, "F")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		t.Fatalf("failed to build test PDF: %v", err)
	}
	return buf.Bytes()
}

func TestNew(t *testing.T) {
	c := newTestCalibrator(t)
	if c.store == nil || c.proc == nil || c.cropper == nil {
		t.Fatal("expected all components to be initialized")
	}
	if c.locator != nil {
		t.Error("vision is disabled by default, expected no locator")
	}

	cfg := config.Default()
	cfg.Template.Width = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected an error for an invalid config")
	}
}

func TestUploadAndAutoCrop(t *testing.T) {
	c := newTestCalibrator(t)
	data := createTestPDF(t, 612, 1107.8)

	size, err := c.Upload("credencial.pdf", data)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if math.Abs(size.Width-612) > 0.01 || math.Abs(size.Height-1107.8) > 0.01 {
		t.Errorf("unexpected page size %+v", size)
	}

	if _, err := c.Upload("notes.txt", data); !errors.Is(err, pdfcrop.ErrNotPDF) {
		t.Errorf("expected ErrNotPDF for a non-pdf name, got %v", err)
	}

	out, err := c.AutoCrop()
	if err != nil {
		t.Fatalf("AutoCrop failed: %v", err)
	}
	name, stored, err := c.Store().LoadPDF()
	if err != nil {
		t.Fatalf("LoadPDF failed: %v", err)
	}
	if name != "cropped_credencial.pdf" {
		t.Errorf("expected cropped_credencial.pdf, got %q", name)
	}
	if !bytes.Equal(out, stored) {
		t.Error("stored document differs from the auto crop output")
	}
	if got := c.CredentialCrop(); got != types.FullFrame {
		t.Errorf("expected full frame crop after auto crop, got %v", got)
	}

	cropped, err := c.PageSize()
	if err != nil {
		t.Fatalf("PageSize failed: %v", err)
	}
	if math.Abs(cropped.Width-template.Default.Width) > 0.01 || math.Abs(cropped.Height-template.Default.Height) > 0.01 {
		t.Errorf("unexpected cropped page size %+v", cropped)
	}
}

func TestAutoCropWithoutDocument(t *testing.T) {
	c := newTestCalibrator(t)
	if _, err := c.AutoCrop(); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInitialCropSources(t *testing.T) {
	ctx := context.Background()
	c := newTestCalibrator(t)

	page := types.NewPage(nil, 612, 1107.8)
	res, err := c.InitialCrop(ctx, page)
	if err != nil {
		t.Fatalf("InitialCrop failed: %v", err)
	}
	if res.Source != config.AttemptTemplate {
		t.Errorf("expected the template on a matching page, got %q", res.Source)
	}
	want := template.Detect(612, 1107.8, template.Default)
	if diff := cmp.Diff(want, res.Rect, approx); diff != "" {
		t.Errorf("rect mismatch (-want +got):\n%s", diff)
	}

	// an unknown page size falls through to the default
	res, err = c.InitialCrop(ctx, types.NewPage(nil, 340, 660))
	if err != nil {
		t.Fatalf("InitialCrop failed: %v", err)
	}
	if res.Source != config.AttemptDefault {
		t.Errorf("expected the default, got %q", res.Source)
	}
	if len(res.Failures) != 2 {
		t.Errorf("expected stored and template failures, got %d", len(res.Failures))
	}

	saved := types.Rect{X: 0.1, Y: 0.1, W: 0.5, H: 0.6}
	if err := c.SaveCredentialCrop(saved); err != nil {
		t.Fatalf("SaveCredentialCrop failed: %v", err)
	}
	res, err = c.InitialCrop(ctx, page)
	if err != nil {
		t.Fatalf("InitialCrop failed: %v", err)
	}
	if res.Source != config.AttemptStored || res.Rect != saved {
		t.Errorf("expected stored rect %v, got %v from %s", saved, res.Rect, res.Source)
	}
}

func TestInitialCropVision(t *testing.T) {
	vc := &fakeVision{result: &types.AnalysisResult{
		Primary: types.Primary{Label: "credential", Confidence: 0.9, Box: types.Rect{X: 10, Y: 20, W: 40, H: 50}},
	}}
	c := newTestCalibrator(t, WithVisionClient(vc))
	if c.locator == nil {
		t.Fatal("expected a locator when a vision client is given")
	}

	page := types.NewPage(createTestImage(340, 660, color.White), 340, 660)
	res, err := c.InitialCrop(context.Background(), page)
	if err != nil {
		t.Fatalf("InitialCrop failed: %v", err)
	}
	if res.Source != config.AttemptVision {
		t.Fatalf("expected the vision attempt to win, got %q", res.Source)
	}
	want := types.Rect{X: 0.1, Y: 0.2, W: 0.4, H: 0.5}
	if diff := cmp.Diff(want, res.Rect, approx); diff != "" {
		t.Errorf("rect mismatch (-want +got):\n%s", diff)
	}
	if vc.calls != 1 {
		t.Errorf("expected one model call, got %d", vc.calls)
	}

	// without a rendered image the vision attempt is skipped
	res, err = c.InitialCrop(context.Background(), types.NewPage(nil, 340, 660))
	if err != nil {
		t.Fatalf("InitialCrop failed: %v", err)
	}
	if res.Source != config.AttemptDefault {
		t.Errorf("expected the default, got %q", res.Source)
	}
	found := false
	for _, f := range res.Failures {
		if f.Attempt == config.AttemptVision && errors.Is(f, calibrate.ErrNoImage) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a vision failure wrapping ErrNoImage, got %v", res.Failures)
	}
}

func TestSlotAspect(t *testing.T) {
	c := newTestCalibrator(t)
	page := types.NewPage(nil, 400, 1360)
	if err := c.SaveCredentialCrop(types.Rect{X: 0.1, Y: 0.2, W: 0.8, H: 0.7}); err != nil {
		t.Fatal(err)
	}
	if err := c.SavePhotoRect(types.Rect{X: 0.35, Y: 0.2571, W: 0.55, H: 0.4}); err != nil {
		t.Fatal(err)
	}

	got, err := c.SlotAspect(page)
	if err != nil {
		t.Fatalf("SlotAspect failed: %v", err)
	}
	want := (400 * 0.8 * 0.55) / (1360 * 0.7 * 0.4)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := c.SlotAspect(types.Page{}); err == nil {
		t.Error("expected an error for an empty page")
	}

	lock, err := c.PhotoLock(page, 800, 600)
	if err != nil {
		t.Fatalf("PhotoLock failed: %v", err)
	}
	if lock.Ratio != got || lock.FrameWidth != 800 || lock.FrameHeight != 600 {
		t.Errorf("unexpected lock %+v", lock)
	}
}

func TestPhotoRectDefaults(t *testing.T) {
	c := newTestCalibrator(t)
	if got := c.PhotoRect(); got != c.Config().Defaults.PhotoRect {
		t.Errorf("expected default photo rect, got %v", got)
	}
	if got := c.CredentialCrop(); got != types.FullFrame {
		t.Errorf("expected full frame credential crop, got %v", got)
	}

	moved := types.Rect{X: 0.1, Y: 0.1, W: 0.3, H: 0.3}
	if err := c.SavePhotoRect(moved); err != nil {
		t.Fatal(err)
	}
	if got := c.PhotoRect(); got != moved {
		t.Errorf("expected %v, got %v", moved, got)
	}
	if err := c.ResetPhotoRect(); err != nil {
		t.Fatal(err)
	}
	if got := c.PhotoRect(); got != c.Config().Defaults.PhotoRect {
		t.Errorf("expected default after reset, got %v", got)
	}
}

func TestCropPhotoAndComposeCard(t *testing.T) {
	c := newTestCalibrator(t)
	page := types.NewPage(createTestImage(400, 800, color.White), 400, 800)
	if err := c.SaveCredentialCrop(types.Rect{X: 0, Y: 0, W: 0.5, H: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := c.SavePhotoRect(types.Rect{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}); err != nil {
		t.Fatal(err)
	}

	red := color.NRGBA{R: 255, A: 255}
	photo := createTestImage(600, 600, red)
	region, err := c.InitialPhotoRegion(page, photo, 1)
	if err != nil {
		t.Fatalf("InitialPhotoRegion failed: %v", err)
	}

	out, err := c.CropPhoto(page, photo, region)
	if err != nil {
		t.Fatalf("CropPhoto failed: %v", err)
	}
	// slot image is the 400x800pt page at scale 2, the slot a quarter of it each way
	if b := out.Bounds(); b.Dx() != 200 || b.Dy() != 400 {
		t.Errorf("expected 200x400 photo, got %dx%d", b.Dx(), b.Dy())
	}

	card, err := c.ComposeCard(page)
	if err != nil {
		t.Fatalf("ComposeCard failed: %v", err)
	}
	if b := card.Bounds(); b.Dx() != 200 || b.Dy() != 400 {
		t.Fatalf("expected a 200x400 card, got %dx%d", b.Dx(), b.Dy())
	}
	if got := color.NRGBAModel.Convert(card.At(100, 200)).(color.NRGBA); got.R < 250 || got.G > 5 {
		t.Errorf("expected the photo in the slot centre, got %v", got)
	}
	if got := color.NRGBAModel.Convert(card.At(5, 5)).(color.NRGBA); got.R != 255 || got.G != 255 {
		t.Errorf("expected the credential outside the slot, got %v", got)
	}
}

func TestSlotSize(t *testing.T) {
	c := newTestCalibrator(t)
	c.Config().Render.SlotScale = 3
	if err := c.SaveCredentialCrop(types.Rect{X: 0, Y: 0, W: 0.5, H: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := c.SavePhotoRect(types.Rect{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		page types.Page
		w, h int
	}{
		{"point size at slot scale", types.NewPage(nil, 400, 800), 300, 600},
		{"pixel size without points", types.NewPage(createTestImage(400, 800, color.White), 0, 0), 100, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := c.SlotSize(tt.page)
			if err != nil {
				t.Fatalf("SlotSize failed: %v", err)
			}
			if w != tt.w || h != tt.h {
				t.Errorf("expected %dx%d, got %dx%d", tt.w, tt.h, w, h)
			}
		})
	}

	if _, _, err := c.SlotSize(types.Page{}); err == nil {
		t.Error("expected an error for an empty page")
	}
}

func TestOverlayTransform(t *testing.T) {
	c := newTestCalibrator(t)
	page := types.NewPage(createTestImage(400, 800, color.White), 400, 800)
	if err := c.SaveCredentialCrop(types.Rect{X: 0, Y: 0, W: 0.5, H: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := c.SavePhotoRect(types.Rect{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}); err != nil {
		t.Fatal(err)
	}
	red := color.NRGBA{R: 255, A: 255}
	photo := createTestImage(600, 600, red)
	if _, err := c.CropPhoto(page, photo, types.Rect{X: 0.25, Y: 0, W: 0.5, H: 1}); err != nil {
		t.Fatalf("CropPhoto failed: %v", err)
	}

	if err := c.SetOverlayTransform(types.OverlayTransform{X: -0.25}); err != nil {
		t.Fatalf("SetOverlayTransform failed: %v", err)
	}
	stored, err := c.Store().LoadOverlayTransform()
	if err != nil {
		t.Fatalf("LoadOverlayTransform failed: %v", err)
	}
	if stored != (types.OverlayTransform{X: -0.25, Scale: 1}) {
		t.Errorf("expected a zero scale to be stored as 1, got %+v", stored)
	}

	card, err := c.ComposeCard(page)
	if err != nil {
		t.Fatalf("ComposeCard failed: %v", err)
	}
	// the slot moved from x 50..150 to 0..100 of the 200px credential
	if got := color.NRGBAModel.Convert(card.At(50, 200)).(color.NRGBA); got.R < 250 || got.G > 5 {
		t.Errorf("expected the shifted photo at (50,200), got %v", got)
	}
	if got := color.NRGBAModel.Convert(card.At(140, 200)).(color.NRGBA); got.G != 255 {
		t.Errorf("expected the credential at (140,200) after the shift, got %v", got)
	}

	for _, bad := range []types.OverlayTransform{{Scale: -1}, {X: math.NaN(), Scale: 1}, {Scale: math.Inf(1)}} {
		if err := c.SetOverlayTransform(bad); err == nil {
			t.Errorf("SetOverlayTransform(%+v): expected an error", bad)
		}
	}
}

func TestForgetCredentialCrop(t *testing.T) {
	c := newTestCalibrator(t)
	if err := c.SaveCredentialCrop(types.Rect{X: 0.1, Y: 0.1, W: 0.5, H: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := c.ForgetCredentialCrop(); err != nil {
		t.Fatalf("ForgetCredentialCrop failed: %v", err)
	}
	res, err := c.InitialCrop(context.Background(), types.NewPage(nil, 612, 1107.8))
	if err != nil {
		t.Fatalf("InitialCrop failed: %v", err)
	}
	if res.Source != config.AttemptTemplate {
		t.Errorf("expected the template after forgetting the stored crop, got %q", res.Source)
	}
}

func TestTestVision(t *testing.T) {
	page := types.NewPage(createTestImage(40, 60, color.White), 40, 60)

	c := newTestCalibrator(t)
	if _, err := c.TestVision(context.Background(), page); err == nil {
		t.Error("expected an error without a vision backend")
	}

	c = newTestCalibrator(t, WithVisionClient(&fakeVision{}))
	got, err := c.TestVision(context.Background(), page)
	if err != nil || got != "a credential" {
		t.Errorf("TestVision = %q, %v", got, err)
	}
	if _, err := c.TestVision(context.Background(), types.NewPage(nil, 40, 60)); !errors.Is(err, calibrate.ErrNoImage) {
		t.Errorf("expected ErrNoImage, got %v", err)
	}
}

func TestComposeCardWithoutPhoto(t *testing.T) {
	c := newTestCalibrator(t)
	page := types.NewPage(createTestImage(100, 100, color.White), 100, 100)
	if _, err := c.ComposeCard(page); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReset(t *testing.T) {
	c := newTestCalibrator(t)
	if _, err := c.Upload("a.pdf", createTestPDF(t, 612, 1107.8)); err != nil {
		t.Fatal(err)
	}
	if err := c.SavePhotoRect(types.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}); err != nil {
		t.Fatal(err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, _, err := c.Store().LoadPDF(); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no document after reset, got %v", err)
	}
	if got := c.PhotoRect(); got != c.Config().Defaults.PhotoRect {
		t.Errorf("expected default photo rect after reset, got %v", got)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("expected %s, got %s", Version, GetVersion())
	}
}
