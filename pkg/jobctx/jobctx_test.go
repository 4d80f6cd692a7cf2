package jobctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithJob(t *testing.T) {
	ctx := WithJob(context.Background(), 17, "w-1", nil)

	job := FromContext(ctx)
	require.NotNil(t, job)
	assert.Equal(t, uint(17), job.DocumentID)
	assert.Equal(t, "w-1", job.WorkerID)
	assert.Equal(t, uint(17), DocumentIDFromContext(ctx))
	assert.Equal(t, "w-1", WorkerIDFromContext(ctx))
}

func TestOutsideJob(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, FromContext(ctx))
	assert.Zero(t, DocumentIDFromContext(ctx))
	assert.Empty(t, WorkerIDFromContext(ctx))
}

func TestNestedJobWins(t *testing.T) {
	outer := WithJob(context.Background(), 1, "a", nil)
	inner := WithJob(outer, 2, "", nil)

	assert.Equal(t, uint(2), DocumentIDFromContext(inner))
	assert.Empty(t, WorkerIDFromContext(inner))
	assert.Equal(t, uint(1), DocumentIDFromContext(outer))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Logger(WithJob(context.Background(), 5, "w-9", base), nil).Info("page done")
	assert.Contains(t, buf.String(), "doc_id=5")
	assert.Contains(t, buf.String(), "worker=w-9")

	buf.Reset()
	Logger(WithJob(context.Background(), 6, "", base), nil).Info("page done")
	assert.NotContains(t, buf.String(), "worker=")

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, fallback, Logger(context.Background(), fallback))
	assert.Same(t, slog.Default(), Logger(context.Background(), nil))
}
