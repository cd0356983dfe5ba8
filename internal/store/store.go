// Package store keeps one user's calibration session on disk: the uploaded
// PDF, the credential crop and photo rects, and the overlay photo with its
// transform. Small values live in a JSON state file, blobs next to it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/credcrop/pkg/types"
)

// Rect keys
const (
	KeyCredentialCrop = "credential_crop"
	KeyPhotoRect      = "photo_rect"
)

const (
	stateFile   = "state.json"
	pdfBlob     = "document.pdf"
	overlayBlob = "overlay.bin"
)

// ErrNotFound is returned when a key has never been saved or was cleared.
var ErrNotFound = errors.New("store: not found")

type state struct {
	Rects       map[string]types.Rect   `json:"rects,omitempty"`
	PDFName     string                  `json:"pdf_name,omitempty"`
	OverlayType string                  `json:"overlay_type,omitempty"`
	Transform   *types.OverlayTransform `json:"overlay_transform,omitempty"`
}

// Store is a file-backed session store. It is safe for concurrent use by one
// process.
type Store struct {
	dir string
	mu  sync.Mutex
	log logrus.FieldLogger
}

// Open returns a store rooted at dir, creating it if needed
func Open(dir string, log logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{dir: dir, log: log.WithField("store", dir)}, nil
}

// Dir returns the directory the store writes to
func (s *Store) Dir() string { return s.dir }

// LoadRect returns the rect saved under key. A stored rect that violates the
// rect invariants is clamped into shape rather than rejected.
func (s *Store) LoadRect(key string) (types.Rect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		return types.Rect{}, err
	}
	r, ok := st.Rects[key]
	if !ok {
		return types.Rect{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !r.Validate() {
		clamped := r.ClampToUnitSquare()
		s.log.WithFields(logrus.Fields{"key": key, "stored": r.String(), "clamped": clamped.String()}).
			Warn("stored rect violates invariants, clamping")
		return clamped, nil
	}
	return r, nil
}

// SaveRect stores r under key
func (s *Store) SaveRect(key string, r types.Rect) error {
	return s.update(func(st *state) error {
		if st.Rects == nil {
			st.Rects = map[string]types.Rect{}
		}
		st.Rects[key] = r
		return nil
	})
}

// DeleteRect removes the rect under key
func (s *Store) DeleteRect(key string) error {
	return s.update(func(st *state) error {
		delete(st.Rects, key)
		return nil
	})
}

// ResetPhotoRect replaces the photo rect with def
func (s *Store) ResetPhotoRect(def types.Rect) error {
	return s.SaveRect(KeyPhotoRect, def.ClampToUnitSquare())
}

// SavePDF stores the uploaded document and its file name
func (s *Store) SavePDF(name string, data []byte) error {
	return s.update(func(st *state) error {
		if err := s.writeFile(pdfBlob, data); err != nil {
			return err
		}
		st.PDFName = name
		return nil
	})
}

// LoadPDF returns the stored document and its file name
func (s *Store) LoadPDF() (string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		return "", nil, err
	}
	data, err := s.readFile(pdfBlob)
	if err != nil {
		return "", nil, err
	}
	return st.PDFName, data, nil
}

// CommitAutoCrop replaces the stored document with its physically cropped
// version. The credential then fills the whole page, so the crop rect becomes
// the full frame.
func (s *Store) CommitAutoCrop(name string, data []byte) error {
	return s.update(func(st *state) error {
		if err := s.writeFile(pdfBlob, data); err != nil {
			return err
		}
		st.PDFName = name
		if st.Rects == nil {
			st.Rects = map[string]types.Rect{}
		}
		st.Rects[KeyCredentialCrop] = types.FullFrame
		return nil
	})
}

// SaveOverlayPhoto stores the cropped photo bytes with their content type
func (s *Store) SaveOverlayPhoto(data []byte, contentType string) error {
	if contentType == "" {
		return fmt.Errorf("store: overlay photo needs a content type")
	}
	return s.update(func(st *state) error {
		if err := s.writeFile(overlayBlob, data); err != nil {
			return err
		}
		st.OverlayType = contentType
		return nil
	})
}

// LoadOverlayPhoto returns the overlay photo bytes and content type
func (s *Store) LoadOverlayPhoto() ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		return nil, "", err
	}
	if st.OverlayType == "" {
		return nil, "", fmt.Errorf("%w: overlay photo", ErrNotFound)
	}
	data, err := s.readFile(overlayBlob)
	if err != nil {
		return nil, "", err
	}
	return data, st.OverlayType, nil
}

// SaveOverlayTransform stores the overlay position
func (s *Store) SaveOverlayTransform(t types.OverlayTransform) error {
	return s.update(func(st *state) error {
		st.Transform = &t
		return nil
	})
}

// LoadOverlayTransform returns the overlay position
func (s *Store) LoadOverlayTransform() (types.OverlayTransform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		return types.OverlayTransform{}, err
	}
	if st.Transform == nil {
		return types.OverlayTransform{}, fmt.Errorf("%w: overlay transform", ErrNotFound)
	}
	return *st.Transform, nil
}

// Clear removes everything the store holds
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{stateFile, pdfBlob, overlayBlob} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("store: clear: %w", err)
		}
	}
	s.log.Info("session cleared")
	return nil
}

func (s *Store) read() (*state, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return &state{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("store: corrupt state file: %w", err)
	}
	return &st, nil
}

func (s *Store) update(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return s.writeFile(stateFile, data)
}

func (s *Store) readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return data, nil
}

// writeFile replaces name atomically
func (s *Store) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	return nil
}
