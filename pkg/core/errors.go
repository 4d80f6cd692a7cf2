package core

import (
	"errors"
	"fmt"
)

// Lookup and validation errors
var (
	ErrDocumentNotFound  = errors.New("ocr: document not found")
	ErrInvalidDocumentID = errors.New("ocr: invalid document id")
	ErrSourceMissing     = errors.New("ocr: source file does not exist")
	ErrUnsupportedMedia  = errors.New("ocr: only PDF files and images are supported")
	ErrPageOutOfRange    = errors.New("ocr: page does not exist")
	ErrInvalidSelection  = errors.New("ocr: invalid selection rectangle")
	ErrTextTooLarge      = errors.New("ocr: text exceeds size limit")
)

// Execution errors
var (
	ErrNoDevice      = errors.New("ocr: no device with enough free memory")
	ErrOutOfMemory   = errors.New("ocr: out of device memory")
	ErrPoolClosed    = errors.New("ocr: worker pool closed")
	ErrWorkerCrashed = errors.New("ocr: worker process exited")
	ErrJobTimeout    = errors.New("ocr: job exceeded maximum duration")
)

// NoRetryError indicates a job-level error that must not be retried automatically.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// IsFatal reports whether err was marked with NoRetry.
func IsFatal(err error) bool {
	var noRetry *NoRetryError
	return errors.As(err, &noRetry)
}

// FailurePrefix starts the progress text of a failed job.
const FailurePrefix = "Błąd: "

// FailureInfo formats msg as the progress text of a failed job.
func FailureInfo(msg string) string {
	return FailurePrefix + msg
}

// ErrorMessage returns the text of err without the no-retry marker.
func ErrorMessage(err error) string {
	var noRetry *NoRetryError
	if errors.As(err, &noRetry) {
		return noRetry.Err.Error()
	}
	return err.Error()
}
