package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// newTestStorage opens a migrated storage through Open. TEST_DATABASE_URL
// selects a PostgreSQL server whose documents table is emptied around the
// test; without it every test gets its own in-memory SQLite database.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = ":memory:"
	}
	s, err := Open(ctx, dsn, OpenConfig{Role: RoleWorker, Migrate: true})
	require.NoError(t, err, "open test storage")

	if s.IsSQLite() {
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	wipe := func() { s.DB().Exec("DELETE FROM documents") }
	wipe()
	t.Cleanup(func() {
		wipe()
		_ = s.Close()
	})
	return s
}

// newSource inserts a source document of the given mime type in case I C 123/24.
func newSource(t *testing.T, s *GormStorage, name, mime string) *core.Document {
	t.Helper()
	doc := &core.Document{
		Sygnatura:        "I C 123/24",
		DocType:          "Pismo",
		Step:             "k1",
		OriginalFilename: name,
		StoredFilename:   "src-" + name,
		MimeType:         mime,
		ContentType:      core.ContentDocument,
	}
	require.NoError(t, s.CreateDocument(context.Background(), doc))
	return doc
}
