package types

import "image"

// Page is what a page rasterizer hands to the calibration core: the rendered
// first page plus both of its sizes. Pixel sizes map pointer deltas and crop
// rects; point sizes feed template detection.
type Page struct {
	Image       image.Image `json:"-"`
	PixelWidth  int         `json:"pixel_width"`
	PixelHeight int         `json:"pixel_height"`
	PointWidth  float64     `json:"point_width"`
	PointHeight float64     `json:"point_height"`
}

// NewPage builds a Page from a rendered image and the native page size in points
func NewPage(img image.Image, pointWidth, pointHeight float64) Page {
	p := Page{PointWidth: pointWidth, PointHeight: pointHeight, Image: img}
	if img != nil {
		b := img.Bounds()
		p.PixelWidth, p.PixelHeight = b.Dx(), b.Dy()
	}
	return p
}

// Primary represents the credential card located by a vision model
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// AnalysisResult contains the complete analysis result from the vision model
type AnalysisResult struct {
	Primary     Primary  `json:"primary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// OverlayTransform positions the overlay photo inside the cropped credential.
// X and Y are normalized offsets, Scale is a plain factor.
type OverlayTransform struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

// EncodeOptions describes how an image is encoded before it is stored or written
type EncodeOptions struct {
	Format   string
	Quality  int
	Lossless bool
}
