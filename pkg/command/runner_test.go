package command

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Success(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(nil)

	out, errOut, err := r.Run(context.Background(), "sh", "-c", "printf hello; printf warn >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, "warn", string(errOut))
}

func TestExecRunner_Failure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(nil)

	_, _, err := r.Run(context.Background(), "sh", "-c", "echo broken pdf >&2; exit 3")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, "sh", exitErr.Name)
	assert.Contains(t, err.Error(), "broken pdf")
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(nil)

	_, _, err := r.Run(context.Background(), "definitely-not-a-real-binary-ocr")
	require.Error(t, err)
	assert.True(t, NotFound(err))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	got := Truncate(strings.Repeat("x", 10), 4)
	assert.Equal(t, "xxxx...(truncated)", got)
}

func TestFakeRunner(t *testing.T) {
	f := NewFakeRunner().Handle("pdfinfo", func(_ context.Context, args []string) ([]byte, []byte, error) {
		return []byte("Pages: 3\n"), nil, nil
	})

	out, _, err := f.Run(context.Background(), "pdfinfo", "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Pages: 3\n", string(out))

	_, _, err = f.Run(context.Background(), "ocrmypdf", "a.pdf")
	assert.True(t, NotFound(err))

	assert.Equal(t, [][]string{{"a.pdf"}}, f.Calls("pdfinfo"))
	assert.Len(t, f.Calls("ocrmypdf"), 1)
}

func TestExecRunner_StartAndStop(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(nil)

	p, err := r.Start(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", `echo "$OCR_MARK" >&2; exec sleep 30`},
		Env:  []string{"OCR_MARK=cuda:1"},
	})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return strings.Contains(p.Stderr(), "cuda:1") }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	select {
	case <-p.Done():
	default:
		t.Fatal("process still running after Stop")
	}
	assert.NoError(t, p.Err(), "a requested stop is not a failure")
}

func TestExecRunner_StartedProcessExits(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p, err := NewExecRunner(nil).Start(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", "echo torch.OutOfMemoryError >&2; exit 1"},
	})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "OutOfMemoryError")
}

func TestExecRunner_StartMissingBinary(t *testing.T) {
	_, err := NewExecRunner(nil).Start(context.Background(), Spec{Name: "definitely-not-a-real-server-ocr"})
	require.Error(t, err)
	assert.True(t, NotFound(err))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("def"))
	assert.Equal(t, "cdef", b.String())
}

func TestFakeRunner_Start(t *testing.T) {
	proc := NewFakeProcess()
	f := NewFakeRunner().HandleStart("vllm", func(context.Context, Spec) (Process, error) {
		return proc, nil
	})

	p, err := f.Start(context.Background(), Spec{Name: "vllm", Args: []string{"serve", "m"}, Env: []string{"CUDA_VISIBLE_DEVICES=0"}})
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, proc.Stopped())

	_, err = f.Start(context.Background(), Spec{Name: "sglang"})
	assert.True(t, NotFound(err))

	started := f.Started()
	require.Len(t, started, 2)
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=0"}, started[0].Env)
	assert.Equal(t, "vllm serve m", started[0].String())
}
