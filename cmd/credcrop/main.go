package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/credcrop"
	"github.com/menta2k/credcrop/internal/config"
	"github.com/menta2k/credcrop/internal/store"
	"github.com/menta2k/credcrop/internal/utils"
	"github.com/menta2k/credcrop/pkg/compose"
	"github.com/menta2k/credcrop/pkg/editor"
	"github.com/menta2k/credcrop/pkg/pdfcrop"
	"github.com/menta2k/credcrop/pkg/processing"
	"github.com/menta2k/credcrop/pkg/types"
)

const usage = `usage: %s <command> [flags]

commands:
  detect     template detection for a page size or PDF
  crop-pdf   store a PDF and crop it down to the credential
  calibrate  pick and store the initial credential crop
  drag       apply one drag to the credential crop or photo rect
  slot       print the photo slot aspect and pixel size
  photo      crop a photo into the slot and store it
  card       compose the card from the stored photo
  reset      reset the photo rect, or -all to clear the session
`

// common holds the flags every command accepts
type common struct {
	configPath string
	storeDir   string
	verbose    bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (default "+config.GetConfigPath()+" when present)")
	fs.StringVar(&c.storeDir, "store", "", "session directory, overrides storage.dir")
	fs.BoolVar(&c.verbose, "v", false, "verbose logging")
}

func (c *common) calibrator(log *logrus.Logger) (*credcrop.Calibrator, error) {
	if c.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	path := c.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		log.WithField("path", path).Debug("config loaded")
	}
	if c.storeDir != "" {
		cfg.Storage.Dir = c.storeDir
	}
	return credcrop.New(cfg, credcrop.WithLogger(log))
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	commands := map[string]func([]string, *logrus.Logger) error{
		"detect":    runDetect,
		"crop-pdf":  runCropPDF,
		"calibrate": runCalibrate,
		"drag":      runDrag,
		"slot":      runSlot,
		"photo":     runPhoto,
		"card":      runCard,
		"reset":     runReset,
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	if err := run(os.Args[2:], log); err != nil {
		log.Fatal(err)
	}
}

func runDetect(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	var c common
	c.register(fs)
	in := fs.String("in", "", "PDF to read the page size from")
	w := fs.Float64("w", 0, "page width in points")
	h := fs.Float64("h", 0, "page height in points")
	fs.Parse(args)

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}

	pw, ph := *w, *h
	if *in != "" {
		if !utils.IsPDFFile(*in) {
			return fmt.Errorf("%s is not a PDF", *in)
		}
		data, err := os.ReadFile(*in)
		if err != nil {
			return err
		}
		if err := pdfcrop.Validate(data, *in, cal.Config().Limits.MaxPDFBytes); err != nil {
			return err
		}
		size, err := pdfcrop.Probe(data)
		if err != nil {
			return err
		}
		pw, ph = size.Width, size.Height
	}
	if pw <= 0 || ph <= 0 {
		return fmt.Errorf("detect needs -in or both -w and -h")
	}

	return printJSON(cal.Detect(types.NewPage(nil, pw, ph)))
}

func runCropPDF(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("crop-pdf", flag.ExitOnError)
	var c common
	c.register(fs)
	in := fs.String("in", "", "input PDF")
	outDir := fs.String("out", "out", "output directory")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("crop-pdf needs -in")
	}

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	if _, err := cal.Upload(filepath.Base(*in), data); err != nil {
		return err
	}
	out, err := cal.AutoCrop()
	if err != nil {
		return err
	}

	if err := utils.EnsureDir(*outDir); err != nil {
		return err
	}
	name, _, err := cal.Store().LoadPDF()
	if err != nil {
		return err
	}
	path := filepath.Join(*outDir, name)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return err
	}
	log.Printf("wrote %s (%s)", path, utils.FormatFileSize(int64(len(out))))
	return nil
}

func runCalibrate(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	var c common
	c.register(fs)
	in := fs.String("in", "", "PDF to store before calibrating")
	pageImg := fs.String("page", "", "page 1 rendered as an image (path or URL)")
	outDir := fs.String("out", "out", "output directory for the debug overlay")
	debug := fs.Bool("debug", false, "write a debug overlay of the rects")
	dry := fs.Bool("dry-run", false, "print the rect without storing it")
	fresh := fs.Bool("fresh", false, "ignore the stored credential crop")
	testVision := fs.Bool("test-vision", false, "ask the vision model to describe the page first")
	fs.Parse(args)

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}
	if *in != "" {
		data, err := os.ReadFile(*in)
		if err != nil {
			return err
		}
		if _, err := cal.Upload(filepath.Base(*in), data); err != nil {
			return err
		}
	}

	if *fresh {
		if err := cal.ForgetCredentialCrop(); err != nil {
			return err
		}
	}

	page, err := loadPage(cal, *pageImg, log)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if *testVision {
		reply, err := cal.TestVision(ctx, page)
		if err != nil {
			return err
		}
		log.WithField("reply", reply).Info("vision model answered")
	}
	res, err := cal.InitialCrop(ctx, page)
	if err != nil {
		return err
	}
	for _, f := range res.Failures {
		log.WithField("attempt", f.Attempt).Info(f.Err)
	}
	fmt.Printf("%s (from %s)\n", res.Rect, res.Source)

	if !*dry {
		if err := cal.SaveCredentialCrop(res.Rect); err != nil {
			return err
		}
	}
	if *debug {
		return writeOverlay(cal, page, *outDir, log)
	}
	return nil
}

func runDrag(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("drag", flag.ExitOnError)
	var c common
	c.register(fs)
	target := fs.String("target", "credential", "rect to edit: credential or photo")
	handle := fs.String("handle", "move", "move, tl, tr, bl or br")
	from := fs.String("from", "", "pointer down position x,y in container pixels")
	to := fs.String("to", "", "pointer up position x,y in container pixels")
	container := fs.String("container", "", "on-screen container size w,h in pixels")
	ratio := fs.Float64("ratio", 0, "lock width/height to this pixel ratio, 0 for free")
	frame := fs.String("frame", "", "frame size w,h in pixels the rect is normalized against (locked drags)")
	pageFrame := fs.Bool("page-frame", false, "photo drags: pointer positions are on the whole page, not the credential")
	fs.Parse(args)

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}
	h, err := editor.ParseHandle(*handle)
	if err != nil {
		return err
	}
	p0, err := parsePair(*from)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	p1, err := parsePair(*to)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}
	size, err := parsePair(*container)
	if err != nil {
		return fmt.Errorf("-container: %w", err)
	}

	lock := editor.Unlocked()
	if *ratio != 0 {
		fw, err := parsePair(*frame)
		if err != nil {
			return fmt.Errorf("-frame: %w", err)
		}
		lock = editor.AspectLock(*ratio, fw[0], fw[1])
	}

	var start types.Rect
	var save func(types.Rect) error
	switch *target {
	case "credential":
		start, save = cal.CredentialCrop(), cal.SaveCredentialCrop
	case "photo":
		start, save = cal.PhotoRect(), cal.SavePhotoRect
		if *pageFrame {
			cred := cal.CredentialCrop()
			start = compose.Nest(cred, start)
			save = func(r types.Rect) error { return cal.SavePhotoRect(compose.Unnest(cred, r)) }
		}
	default:
		return fmt.Errorf("unknown target %q", *target)
	}

	var s editor.DragState
	s, err = s.Begin(h, editor.Point{X: p0[0], Y: p0[1]}, start)
	if err != nil {
		return err
	}
	r, err := s.Update(editor.Point{X: p1[0], Y: p1[1]}, editor.Size{Width: size[0], Height: size[1]}, lock)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"target": *target, "handle": h, "from": start.String()}).Debug("drag applied")
	fmt.Println(r)
	return save(r)
}

func runSlot(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("slot", flag.ExitOnError)
	var c common
	c.register(fs)
	pageImg := fs.String("page", "", "page 1 rendered as an image (path or URL)")
	fs.Parse(args)

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}
	page, err := loadPage(cal, *pageImg, log)
	if err != nil {
		return err
	}
	aspect, err := cal.SlotAspect(page)
	if err != nil {
		return err
	}

	w, h, err := cal.SlotSize(page)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"aspect": aspect, "slot_width": w, "slot_height": h})
}

func runPhoto(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("photo", flag.ExitOnError)
	var c common
	c.register(fs)
	pageImg := fs.String("page", "", "page 1 rendered as an image (path or URL)")
	photoPath := fs.String("photo", "", "photo to place in the slot (path or URL)")
	region := fs.String("region", "", "photo region x,y,w,h normalized, default the largest centred slot-shaped region")
	zoom := fs.Float64("zoom", 1, "shrink factor for the default region, in (0, 1]")
	fs.Parse(args)
	if *photoPath == "" {
		return fmt.Errorf("photo needs -photo")
	}

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}
	page, err := loadPage(cal, *pageImg, log)
	if err != nil {
		return err
	}
	photo, err := loadImage(cal, *photoPath)
	if err != nil {
		return err
	}

	var r types.Rect
	if *region != "" {
		r, err = parseRect(*region)
	} else {
		r, err = cal.InitialPhotoRegion(page, photo, *zoom)
	}
	if err != nil {
		return err
	}

	out, err := cal.CropPhoto(page, photo, r)
	if err != nil {
		return err
	}
	log.Printf("stored %dx%d overlay photo from region %s", out.Bounds().Dx(), out.Bounds().Dy(), r)
	return nil
}

func runCard(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("card", flag.ExitOnError)
	var c common
	c.register(fs)
	pageImg := fs.String("page", "", "page 1 rendered as an image (path or URL)")
	outDir := fs.String("out", "", "output directory, default output.dir")
	debug := fs.Bool("debug", false, "also write a debug overlay of the rects")
	offset := fs.String("offset", "", "shift the photo by x,y fractions of the credential size and store it")
	scale := fs.Float64("scale", 0, "scale the photo about the slot centre and store it, 0 keeps the stored value")
	fs.Parse(args)
	if *pageImg == "" {
		return fmt.Errorf("card needs -page")
	}

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}
	if *offset != "" || *scale != 0 {
		t, err := cal.Store().LoadOverlayTransform()
		if errors.Is(err, store.ErrNotFound) {
			t = types.OverlayTransform{Scale: 1}
		} else if err != nil {
			return err
		}
		if *offset != "" {
			xy, err := parsePair(*offset)
			if err != nil {
				return fmt.Errorf("-offset: %w", err)
			}
			t.X, t.Y = xy[0], xy[1]
		}
		if *scale != 0 {
			t.Scale = *scale
		}
		if err := cal.SetOverlayTransform(t); err != nil {
			return err
		}
	}
	page, err := loadPage(cal, *pageImg, log)
	if err != nil {
		return err
	}
	card, err := cal.ComposeCard(page)
	if err != nil {
		return err
	}

	cfg := cal.Config()
	dir := *outDir
	if dir == "" {
		dir = cfg.Output.Dir
	}
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	path := utils.GenerateOutputFilename(*pageImg, dir, cfg.Output.Suffix, cfg.Output.Format)
	if err := processing.NewProcessor().SaveImage(card, path, cfg.Output.EncodeOptions()); err != nil {
		return err
	}
	log.Printf("wrote %s", path)

	if *debug {
		return writeOverlay(cal, page, dir, log)
	}
	return nil
}

func runReset(args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	var c common
	c.register(fs)
	all := fs.Bool("all", false, "clear the whole session")
	fs.Parse(args)

	cal, err := c.calibrator(log)
	if err != nil {
		return err
	}
	if *all {
		return cal.Reset()
	}
	if err := cal.ResetPhotoRect(); err != nil {
		return err
	}
	fmt.Println(cal.PhotoRect())
	return nil
}

// loadPage builds the page from a rendered image and the stored PDF's size.
// Without a stored PDF the image size stands in for the point size.
func loadPage(cal *credcrop.Calibrator, src string, log *logrus.Logger) (types.Page, error) {
	var page types.Page
	if src != "" {
		img, err := loadImage(cal, src)
		if err != nil {
			return page, err
		}
		page = types.NewPage(img, 0, 0)
	}

	size, err := cal.PageSize()
	switch {
	case err == nil:
		page.PointWidth, page.PointHeight = size.Width, size.Height
	case errors.Is(err, store.ErrNotFound) && page.Image != nil:
		scale := cal.Config().Render.CalibrationScale
		page.PointWidth = float64(page.PixelWidth) / scale
		page.PointHeight = float64(page.PixelHeight) / scale
		log.WithField("scale", scale).Warn("no document stored, deriving page size from the image")
	case errors.Is(err, store.ErrNotFound):
		return page, fmt.Errorf("no document stored and no -page given")
	default:
		return page, err
	}
	return page, nil
}

// loadImage reads a local image or downloads one
func loadImage(cal *credcrop.Calibrator, src string) (image.Image, error) {
	remote := strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
	if !remote && !utils.IsImageFile(src) {
		return nil, fmt.Errorf("%s is not a jpg, png or webp image", src)
	}
	return cal.LoadImage(src)
}

func writeOverlay(cal *credcrop.Calibrator, page types.Page, dir string, log *logrus.Logger) error {
	img, err := cal.DebugOverlay(page)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, "000_page_with_rects.png")
	if err := processing.NewProcessor().SaveImage(img, path, types.EncodeOptions{Format: "png"}); err != nil {
		return err
	}
	log.Printf("wrote %s", path)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma separated numbers, got %q", n, s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parsePair(s string) ([2]float64, error) {
	v, err := parseFloats(s, 2)
	if err != nil {
		return [2]float64{}, err
	}
	return [2]float64{v[0], v[1]}, nil
}

func parseRect(s string) (types.Rect, error) {
	v, err := parseFloats(s, 4)
	if err != nil {
		return types.Rect{}, err
	}
	return types.Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}.ClampToUnitSquare(), nil
}
