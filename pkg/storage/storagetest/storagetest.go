// Package storagetest provides storage fixtures for tests in other packages.
package storagetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

// New returns a migrated storage on a private in-memory SQLite database.
func New(t testing.TB) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	// Every new connection to :memory: is a separate database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// Source describes a source document fixture.
type Source struct {
	Name     string
	MimeType string
	Content  []byte

	// NoFile skips writing the file to the files directory.
	NoFile bool
}

// AddSource writes src into dir and inserts its document row.
func AddSource(t testing.TB, s core.Storage, dir string, src Source) *core.Document {
	t.Helper()
	content := core.ContentDocument
	if len(src.MimeType) > 6 && src.MimeType[:6] == "image/" {
		content = core.ContentImage
	}
	doc := &core.Document{
		Sygnatura:        "I C 123/24",
		DocType:          "Pismo",
		Step:             "k1",
		OriginalFilename: src.Name,
		StoredFilename:   "src-" + src.Name,
		MimeType:         src.MimeType,
		ContentType:      content,
	}
	if !src.NoFile {
		data := src.Content
		if data == nil {
			data = []byte("source")
		}
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, doc.StoredFilename), data, 0o644))
	}
	require.NoError(t, s.CreateDocument(context.Background(), doc))
	return doc
}
