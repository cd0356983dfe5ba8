package pdfcrop

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
	"math"
	"regexp"
	"strconv"
	"testing"

	"codeberg.org/go-pdf/fpdf"

	"github.com/menta2k/credcrop/pkg/template"
)

// sourcePDF builds a one-page document of the given size with a filled
// rectangle where the default template expects the credential.
func sourcePDF(t *testing.T, w, h float64) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
	pdf.SetFillColor(200, 30, 30)
	s := template.Default
	pdf.Rect(s.Left, h-s.Top(), s.Width, s.Height, "F")
	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(s.Left+10, h-s.Top()+20, "CREDENTIAL")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		t.Fatalf("failed to build source PDF: %v", err)
	}
	return buf.Bytes()
}

func near(a, b float64) bool { return math.Abs(a-b) < 0.01 }

func TestValidate(t *testing.T) {
	src := sourcePDF(t, 612, 1107.8)
	if err := Validate(src, "credencial.PDF", 0); err != nil {
		t.Fatalf("Validate failed on a good document: %v", err)
	}
	if err := Validate(src, "", 0); err != nil {
		t.Errorf("Validate without a name failed: %v", err)
	}

	tests := []struct {
		name     string
		data     []byte
		file     string
		maxBytes int64
		want     error
	}{
		{"too large", src, "a.pdf", 10, ErrTooLarge},
		{"wrong extension", src, "a.png", 0, ErrNotPDF},
		{"no magic", []byte("GIF89a...."), "a.pdf", 0, ErrNotPDF},
		{"empty", nil, "a.pdf", 0, ErrNotPDF},
		{"broken body", []byte("%PDF-1.4\nthis is not a pdf body\n"), "a.pdf", 0, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.data, tt.file, tt.maxBytes); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	got, err := Probe(sourcePDF(t, 612, 1107.8))
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !near(got.Width, 612) || !near(got.Height, 1107.8) {
		t.Errorf("expected 612x1107.8, got %+v", got)
	}
	if _, err := Probe([]byte("%PDF-1.7 nope")); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestCrop(t *testing.T) {
	src := sourcePDF(t, 612, 1107.8)

	out, err := Crop(src, template.Default)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if err := Validate(out, "", 0); err != nil {
		t.Fatalf("cropped document does not validate: %v", err)
	}

	size, err := Probe(out)
	if err != nil {
		t.Fatalf("Probe of cropped document failed: %v", err)
	}
	if !near(size.Width, template.Default.Width) || !near(size.Height, template.Default.Height) {
		t.Errorf("expected %vx%v, got %+v", template.Default.Width, template.Default.Height, size)
	}
}

var placeTemplate = regexp.MustCompile(`q ([-0-9.]+) 0 0 ([-0-9.]+) ([-0-9.]+) ([-0-9.]+) cm /\S+ Do Q`)

// templatePlacement finds the operator that draws the imported page and
// returns its scale and translation
func templatePlacement(t *testing.T, doc []byte) (sx, sy, tx, ty float64) {
	t.Helper()
	for rest := doc; ; {
		i := bytes.Index(rest, []byte("stream\n"))
		if i < 0 {
			break
		}
		rest = rest[i+len("stream\n"):]
		j := bytes.Index(rest, []byte("\nendstream"))
		if j < 0 {
			break
		}
		body := rest[:j]
		rest = rest[j+len("\nendstream"):]

		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			if inflated, err := io.ReadAll(zr); err == nil {
				body = inflated
			}
		}
		m := placeTemplate.FindSubmatch(body)
		if m == nil {
			continue
		}
		v := make([]float64, 4)
		for k := range v {
			f, err := strconv.ParseFloat(string(m[k+1]), 64)
			if err != nil {
				t.Fatalf("bad number %q in %q", m[k+1], m[0])
			}
			v[k] = f
		}
		return v[0], v[1], v[2], v[3]
	}
	t.Fatal("no template placement found in the cropped document")
	return
}

func TestCropPlacement(t *testing.T) {
	tests := []struct {
		name string
		spec template.Spec
	}{
		{"default template", template.Default},
		{"other region", template.Spec{Left: 100, Bottom: 200, Width: 300, Height: 400}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Crop(sourcePDF(t, 612, 1107.8), tt.spec)
			if err != nil {
				t.Fatalf("Crop failed: %v", err)
			}
			sx, sy, tx, ty := templatePlacement(t, out)
			if !near(sx, 1) || !near(sy, 1) {
				t.Errorf("expected an unscaled page, got scale %v x %v", sx, sy)
			}
			// the region's lower-left corner lands on the new page origin
			if !near(tx, -tt.spec.Left) || !near(ty, -tt.spec.Bottom) {
				t.Errorf("expected translation (%v, %v), got (%v, %v)", -tt.spec.Left, -tt.spec.Bottom, tx, ty)
			}
		})
	}
}

func TestCropErrors(t *testing.T) {
	if _, err := Crop([]byte("hello"), template.Default); !errors.Is(err, ErrNotPDF) {
		t.Errorf("expected ErrNotPDF, got %v", err)
	}
	if _, err := Crop([]byte("%PDF-1.4\ngarbage"), template.Default); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for an unparseable body, got %v", err)
	}
	bad := template.Default
	bad.Width = 0
	if _, err := Crop(sourcePDF(t, 612, 792), bad); err == nil {
		t.Error("expected an error for an empty template region")
	}
}

func TestSetCropBox(t *testing.T) {
	src := sourcePDF(t, 612, 1107.8)
	out, err := SetCropBox(src, template.Default)
	if err != nil {
		t.Fatalf("SetCropBox failed: %v", err)
	}
	if bytes.Equal(src, out) {
		t.Error("expected the document to change")
	}
	if err := Validate(out, "", 0); err != nil {
		t.Errorf("document with crop box does not validate: %v", err)
	}
}

func TestCroppedName(t *testing.T) {
	tests := map[string]string{
		"credencial.pdf":        "cropped_credencial.pdf",
		"/tmp/uploads/card.pdf": "cropped_card.pdf",
		"":                      "cropped_credential.pdf",
	}
	for in, want := range tests {
		if got := CroppedName(in); got != want {
			t.Errorf("CroppedName(%q) = %q, want %q", in, got, want)
		}
	}
}
