package processing

import (
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/credcrop/pkg/types"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestEncodeDecodeFormats(t *testing.T) {
	p := NewProcessor()
	img := solid(40, 30, color.NRGBA{10, 120, 200, 255})

	tests := []struct {
		opts        types.EncodeOptions
		contentType string
	}{
		{types.EncodeOptions{Format: "jpg", Quality: 85}, "image/jpeg"},
		{types.EncodeOptions{}, "image/jpeg"},
		{types.EncodeOptions{Format: "PNG"}, "image/png"},
		{types.EncodeOptions{Format: "webp", Quality: 80}, "image/webp"},
		{types.EncodeOptions{Format: "webp", Lossless: true}, "image/webp"},
	}
	for _, tt := range tests {
		data, ct, err := p.EncodeImage(img, tt.opts)
		if err != nil {
			t.Fatalf("EncodeImage(%+v) failed: %v", tt.opts, err)
		}
		if ct != tt.contentType {
			t.Errorf("EncodeImage(%+v) content type = %q, want %q", tt.opts, ct, tt.contentType)
		}
		back, err := p.DecodeImage(data)
		if err != nil {
			t.Fatalf("DecodeImage of %s failed: %v", ct, err)
		}
		if back.Bounds().Dx() != 40 || back.Bounds().Dy() != 30 {
			t.Errorf("%s: decoded size %v, want 40x30", ct, back.Bounds())
		}
	}

	if _, _, err := p.EncodeImage(img, types.EncodeOptions{Format: "bmp"}); err == nil {
		t.Error("expected an error for an unsupported format")
	}
	if _, err := p.DecodeImage([]byte("not an image")); err == nil {
		t.Error("expected an error decoding garbage")
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	dir := t.TempDir()
	img := solid(16, 16, color.NRGBA{255, 0, 0, 255})

	for _, format := range []string{"png", "jpg", "webp"} {
		path := filepath.Join(dir, "out."+format)
		if err := p.SaveImage(img, path, types.EncodeOptions{Format: format, Quality: 90}); err != nil {
			t.Fatalf("SaveImage(%s) failed: %v", format, err)
		}
		got, err := p.LoadImageSmart(path)
		if err != nil {
			t.Fatalf("LoadImageSmart(%s) failed: %v", path, err)
		}
		if got.Bounds().Dx() != 16 {
			t.Errorf("%s: unexpected bounds %v", format, got.Bounds())
		}
	}

	if _, err := p.LoadImage(filepath.Join(dir, "missing.png")); !os.IsNotExist(err) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestLoadImageFromURL(t *testing.T) {
	p := NewProcessor()
	data, _, err := p.EncodeImage(solid(8, 8, color.NRGBA{0, 0, 0, 255}), types.EncodeOptions{Format: "png"})
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photo.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(data)
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	img, err := p.LoadImageSmart(srv.URL + "/photo.png")
	if err != nil {
		t.Fatalf("LoadImageSmart failed: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}
	for _, path := range []string{"/page.html", "/missing.png"} {
		if _, err := p.LoadImageFromURL(srv.URL + path); err == nil {
			t.Errorf("expected an error for %s", path)
		}
	}
	if _, err := p.LoadImageFromURL("ftp://example.com/a.png"); err == nil {
		t.Error("expected an error for an ftp URL")
	}
}

func TestLoadImageFromURLSizeLimit(t *testing.T) {
	data, _, err := NewProcessor().EncodeImage(solid(64, 64, color.NRGBA{200, 10, 10, 255}), types.EncodeOptions{Format: "png"})
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		if r.URL.Path == "/chunked.png" {
			// no Content-Length, so only the body read can catch it
			w.(http.Flusher).Flush()
		}
		w.Write(data)
	}))
	defer srv.Close()

	limit := int64(len(data) - 1)
	p := NewProcessor(WithMaxDownloadBytes(limit))
	for _, path := range []string{"/photo.png", "/chunked.png"} {
		if _, err := p.LoadImageFromURL(srv.URL + path); !errors.Is(err, ErrTooLarge) {
			t.Errorf("%s: expected ErrTooLarge, got %v", path, err)
		}
	}

	p = NewProcessor(WithMaxDownloadBytes(int64(len(data))))
	if _, err := p.LoadImageFromURL(srv.URL + "/chunked.png"); err != nil {
		t.Errorf("image at the limit failed: %v", err)
	}
}

func TestPrepareImageForModel(t *testing.T) {
	p := NewProcessor()
	b64, err := p.PrepareImageForModel(solid(300, 600, color.NRGBA{1, 2, 3, 255}), "jpg", 100, 80)
	if err != nil {
		t.Fatalf("PrepareImageForModel failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("result is not base64: %v", err)
	}
	img, err := p.DecodeImage(raw)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if img.Bounds().Dx() != 50 || img.Bounds().Dy() != 100 {
		t.Errorf("expected 50x100 after fitting, got %v", img.Bounds())
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	white := color.NRGBA{255, 255, 255, 255}
	page := solid(200, 400, white)

	cred := types.Rect{X: 0.1, Y: 0.1, W: 0.5, H: 0.5}
	photo := types.Rect{X: 0.2, Y: 0.2, W: 0.4, H: 0.4}
	out := p.CreateDebugOverlay(page, cred, photo).(*image.NRGBA)

	// credential top-left corner at (20, 40)
	if got := out.NRGBAAt(20, 40); got != (color.NRGBA{0, 255, 0, 255}) {
		t.Errorf("expected credential border at (20,40), got %v", got)
	}
	// nested slot starts at x = 0.1+0.2*0.5 = 0.2, y = 0.1+0.2*0.5 = 0.2
	if got := out.NRGBAAt(40, 80); got != (color.NRGBA{255, 204, 0, 255}) {
		t.Errorf("expected slot border at (40,80), got %v", got)
	}
	if got := out.NRGBAAt(5, 5); got != white {
		t.Errorf("pixels outside the rects should be untouched, got %v", got)
	}
	if got := page.NRGBAAt(20, 40); got != white {
		t.Error("overlay must not modify the source image")
	}
}
