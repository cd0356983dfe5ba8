// Package pdfcrop handles the PDF side of calibration: checking an uploaded
// file, reading the size of its first page, and producing a new one-page PDF
// that contains only the credential region.
package pdfcrop

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/go-pdf/fpdf"
	"codeberg.org/go-pdf/fpdf/contrib/gofpdi"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	pdftypes "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/menta2k/credcrop/pkg/template"
)

// DefaultMaxBytes is the largest upload accepted.
const DefaultMaxBytes = 5 << 20

const (
	mediaBox = "/MediaBox"
	producer = "credcrop"
)

var (
	// ErrTooLarge is returned for files above the size limit.
	ErrTooLarge = errors.New("pdfcrop: file too large")
	// ErrNotPDF is returned when the name or the leading bytes are not a PDF.
	ErrNotPDF = errors.New("pdfcrop: not a PDF file")
	// ErrInvalid is returned when the PDF structure does not validate.
	ErrInvalid = errors.New("pdfcrop: invalid PDF")
)

func init() {
	// pdfcpu would otherwise create a config dir under the user's home
	api.DisableConfigDir()
}

func config() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// PageSize is a page size in points
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Validate checks an uploaded file: size first, then the name, then the
// %PDF- magic bytes, and last the document structure. An empty name skips the
// name check. maxBytes <= 0 selects DefaultMaxBytes.
func Validate(data []byte, name string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if int64(len(data)) > maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), maxBytes)
	}
	if name != "" && !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return fmt.Errorf("%w: %q has no .pdf extension", ErrNotPDF, name)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return fmt.Errorf("%w: missing %%PDF- header", ErrNotPDF)
	}
	if err := api.Validate(bytes.NewReader(data), config()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Probe returns the size of the first page in points
func Probe(data []byte) (PageSize, error) {
	dims, err := api.PageDims(bytes.NewReader(data), config())
	if err != nil {
		return PageSize{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(dims) == 0 {
		return PageSize{}, fmt.Errorf("%w: document has no pages", ErrInvalid)
	}
	return PageSize{Width: dims[0].Width, Height: dims[0].Height}, nil
}

// Crop renders a new PDF whose single page is exactly the template region of
// the source's first page. The source page is embedded as a form XObject and
// shifted so the region's lower-left corner lands on the new page origin.
func Crop(data []byte, s template.Spec) (out []byte, err error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing %%PDF- header", ErrNotPDF)
	}

	// the importer reports parse failures by panicking
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: import failed: %v", ErrInvalid, r)
		}
	}()

	pdf := fpdf.New("P", "pt", "", "")
	pdf.SetCompression(true)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)
	pdf.SetProducer(producer, true)
	pdf.SetCreationDate(time.Unix(0, 0).UTC())

	imp := gofpdi.NewImporter()
	rs := io.ReadSeeker(bytes.NewReader(data))
	tpl := imp.ImportPageFromStream(pdf, &rs, 1, mediaBox)
	src, ok := imp.GetPageSizes()[1][mediaBox]
	if !ok {
		return nil, fmt.Errorf("%w: first page has no media box", ErrInvalid)
	}
	srcW, srcH := src["w"], src["h"]

	pdf.AddPageFormat("P", fpdf.SizeType{Wd: s.Width, Ht: s.Height})

	// fpdf places templates by their top-left corner in a top-down space
	m := s.PageTransform()
	x := m[4]
	y := s.Height - srcH - m[5]
	imp.UseImportedTemplate(pdf, tpl, x, y, srcW, srcH)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdfcrop: write output: %w", err)
	}
	return buf.Bytes(), nil
}

// SetCropBox returns a copy of the document with the first page's crop box set
// to the template region. Unlike Crop the page content is untouched; viewers
// show only the region.
func SetCropBox(data []byte, s template.Spec) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	box, err := model.ParseBox(
		fmt.Sprintf("[%.2f %.2f %.2f %.2f]", s.Left, s.Bottom, s.Left+s.Width, s.Top()),
		pdftypes.POINTS,
	)
	if err != nil {
		return nil, fmt.Errorf("pdfcrop: crop box: %w", err)
	}

	var buf bytes.Buffer
	if err := api.Crop(bytes.NewReader(data), &buf, []string{"1"}, box, config()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return buf.Bytes(), nil
}

// CroppedName is the file name given to a cropped document
func CroppedName(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "credential.pdf"
	}
	return "cropped_" + base
}
