package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/security"
)

// TextStore keeps OCR text artifacts as plain UTF-8 files in the files
// directory, each described by a result document row.
type TextStore struct {
	store core.Storage
	dir   string

	// mu serialises manual updates so concurrent writers cannot both create
	// a first result for the same source.
	mu sync.Mutex
}

// NewTextStore creates a text store writing into filesDir.
func NewTextStore(store core.Storage, filesDir string) *TextStore {
	return &TextStore{store: store, dir: filesDir}
}

// Dir returns the files directory.
func (t *TextStore) Dir() string {
	return t.dir
}

// Path resolves the stored file of a document.
func (t *TextStore) Path(doc *core.Document) (string, error) {
	return security.SafeJoin(t.dir, doc.StoredFilename)
}

// Save writes text to a new artifact file and inserts its result document.
// The file is removed again if the row cannot be written.
func (t *TextStore) Save(ctx context.Context, source *core.Document, text string, confidence float64, originalName string) (*core.Document, error) {
	stored := strings.ReplaceAll(uuid.New().String(), "-", "") + ".txt"

	path, err := security.SafeJoin(t.dir, stored)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	if err := writeFileAtomic(path, []byte(text)); err != nil {
		return nil, fmt.Errorf("write text artifact: %w", err)
	}

	sourceID := source.ID
	conf := confidence
	result := &core.Document{
		Sygnatura:        source.Sygnatura,
		Step:             source.Step,
		OriginalFilename: originalName,
		StoredFilename:   stored,
		OCRParentID:      &sourceID,
		OCRConfidence:    &conf,
		OCRProgress:      1.0,
	}
	if err := t.store.CreateResult(ctx, result); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("insert result document: %w", err)
	}
	return result, nil
}

// Read returns the text of the canonical result of a source document.
// An empty string is returned when the document has no OCR result.
func (t *TextStore) Read(ctx context.Context, sourceID uint) (string, error) {
	if err := security.ValidateDocumentID(sourceID); err != nil {
		return "", err
	}
	latest, err := t.store.LatestResult(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", nil
	}
	path, err := t.Path(latest)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read text artifact: %w", err)
	}
	return string(data), nil
}

// Update overwrites the canonical result text of a source document, or
// creates a manual result when none exists. A source that never ran OCR is
// marked done with the manual confidence.
func (t *TextStore) Update(ctx context.Context, sourceID uint, text string) (*core.TextUpdate, error) {
	if err := security.ValidateDocumentID(sourceID); err != nil {
		return nil, err
	}
	if err := security.ValidateText(text); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	source, err := t.store.GetDocument(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	latest, err := t.store.LatestResult(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	if latest != nil {
		path, err := t.Path(latest)
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(path, []byte(text)); err != nil {
			return nil, fmt.Errorf("overwrite text artifact: %w", err)
		}
		if err := t.store.TouchResult(ctx, latest.ID, time.Now()); err != nil {
			return nil, err
		}
		return &core.TextUpdate{Action: core.TextUpdated, ResultID: latest.ID}, nil
	}

	result, err := t.Save(ctx, source, text, core.ManualConfidence, source.Stem()+"_manual_ocr.txt")
	if err != nil {
		return nil, err
	}
	if _, err := t.store.MarkManualDone(ctx, sourceID, core.ManualConfidence); err != nil {
		return nil, err
	}
	return &core.TextUpdate{Action: core.TextCreated, ResultID: result.ID}, nil
}

// writeFileAtomic replaces path through a temporary file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ocr-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
