package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/credcrop/pkg/template"
	"github.com/menta2k/credcrop/pkg/types"
)

// Attempt names accepted in calibration.order
const (
	AttemptStored   = "stored"
	AttemptTemplate = "template"
	AttemptVision   = "vision"
	AttemptDefault  = "default"
)

// Config holds the application configuration
type Config struct {
	Template    TemplateConfig    `yaml:"template"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Render      RenderConfig      `yaml:"render"`
	Storage     StorageConfig     `yaml:"storage"`
	Limits      LimitsConfig      `yaml:"limits"`
	Vision      VisionConfig      `yaml:"vision"`
	Output      OutputConfig      `yaml:"output"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

// TemplateConfig is the credential position on the source page in points,
// plus the tolerance for the page size check
type TemplateConfig struct {
	template.Spec `yaml:",inline"`
	Tolerance     float64 `yaml:"tolerance"`
}

// DefaultsConfig holds the rects used when nothing better is known
type DefaultsConfig struct {
	CredentialCrop types.Rect `yaml:"credential_crop"`
	PhotoRect      types.Rect `yaml:"photo_rect"`
}

// RenderConfig holds rasterizer scales. Calibration renders at a lower scale
// than the slot image the photo rect is edited on.
type RenderConfig struct {
	CalibrationScale float64 `yaml:"calibration_scale"`
	SlotScale        float64 `yaml:"slot_scale"`
}

// StorageConfig holds where session state is kept
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// LimitsConfig holds upload and download limits
type LimitsConfig struct {
	MaxPDFBytes   int64 `yaml:"max_pdf_bytes"`
	MaxImageBytes int64 `yaml:"max_image_bytes"`
}

// VisionConfig holds the optional vision model used to locate the credential
type VisionConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Backend       string  `yaml:"backend"`
	URL           string  `yaml:"url"`
	Model         string  `yaml:"model"`
	MinConfidence float64 `yaml:"min_confidence"`
	SendSize      int     `yaml:"send_size"`
	SendQuality   int     `yaml:"send_quality"`
}

// OutputConfig holds configuration for written images
type OutputConfig struct {
	Format   string `yaml:"format"`
	Quality  int    `yaml:"quality"`
	Lossless bool   `yaml:"lossless"`
	Dir      string `yaml:"dir"`
	Suffix   string `yaml:"suffix"`
}

// CalibrationConfig holds the order the credential rect sources are tried in
type CalibrationConfig struct {
	Order []string `yaml:"order"`
}

// EncodeOptions returns the output settings as encoder options
func (o OutputConfig) EncodeOptions() types.EncodeOptions {
	return types.EncodeOptions{Format: o.Format, Quality: o.Quality, Lossless: o.Lossless}
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Template: TemplateConfig{
			Spec:      template.Default,
			Tolerance: template.DefaultTolerance,
		},
		Defaults: DefaultsConfig{
			CredentialCrop: types.Rect{X: 0.05, Y: 0.05, W: 0.40, H: 0.85},
			PhotoRect:      types.Rect{X: 0.28, Y: 0.18, W: 0.44, H: 0.28},
		},
		Render: RenderConfig{
			CalibrationScale: 1.5,
			SlotScale:        2,
		},
		Storage: StorageConfig{
			Dir: defaultStorageDir(),
		},
		Limits: LimitsConfig{
			MaxPDFBytes:   5 << 20,
			MaxImageBytes: 20 << 20,
		},
		Vision: VisionConfig{
			Enabled:       false,
			Backend:       "ollama",
			URL:           "http://localhost:11434",
			Model:         "qwen2.5vl:7b",
			MinConfidence: 0.5,
			SendSize:      1024,
			SendQuality:   85,
		},
		Output: OutputConfig{
			Format:  "png",
			Quality: 90,
			Dir:     "./output",
			Suffix:  "_card",
		},
		Calibration: CalibrationConfig{
			Order: []string{AttemptStored, AttemptTemplate, AttemptVision, AttemptDefault},
		},
	}
}

// LoadFromFile loads configuration from a YAML file. Keys missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Template.Spec.Validate(); err != nil {
		return fmt.Errorf("template: %w", err)
	}
	if c.Template.Tolerance < 0 || c.Template.Tolerance > 1 {
		return fmt.Errorf("template.tolerance must be between 0 and 1")
	}

	if !c.Defaults.CredentialCrop.Validate() {
		return fmt.Errorf("defaults.credential_crop %v is not a valid rect", c.Defaults.CredentialCrop)
	}
	if !c.Defaults.PhotoRect.Validate() {
		return fmt.Errorf("defaults.photo_rect %v is not a valid rect", c.Defaults.PhotoRect)
	}

	if c.Render.CalibrationScale <= 0 || c.Render.SlotScale <= 0 {
		return fmt.Errorf("render scales must be positive")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir cannot be empty")
	}

	if c.Limits.MaxPDFBytes < 1 {
		return fmt.Errorf("limits.max_pdf_bytes must be positive")
	}
	if c.Limits.MaxImageBytes < 1 {
		return fmt.Errorf("limits.max_image_bytes must be positive")
	}

	if c.Vision.Enabled {
		switch c.Vision.Backend {
		case "ollama", "llamacpp":
		default:
			return fmt.Errorf("vision.backend must be ollama or llamacpp, got %q", c.Vision.Backend)
		}
		if c.Vision.Model == "" && c.Vision.Backend == "ollama" {
			return fmt.Errorf("vision.model cannot be empty")
		}
	}
	if c.Vision.MinConfidence < 0 || c.Vision.MinConfidence > 1 {
		return fmt.Errorf("vision.min_confidence must be between 0 and 1")
	}

	switch strings.ToLower(c.Output.Format) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.format must be jpg, png or webp, got %q", c.Output.Format)
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if len(c.Calibration.Order) == 0 {
		return fmt.Errorf("calibration.order cannot be empty")
	}
	known := []string{AttemptStored, AttemptTemplate, AttemptVision, AttemptDefault}
	seen := map[string]bool{}
	for _, name := range c.Calibration.Order {
		if !slices.Contains(known, name) {
			return fmt.Errorf("calibration.order: unknown attempt %q", name)
		}
		if seen[name] {
			return fmt.Errorf("calibration.order: %q listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "credcrop", "config.yaml")
}

func defaultStorageDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "credcrop")
	}
	return "./.credcrop"
}
