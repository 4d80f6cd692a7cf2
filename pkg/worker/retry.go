package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Backoff describes how a worker retries database calls that lost a race
// with another process holding the database.
type Backoff struct {
	// Attempts is the total number of calls, the first included. Default: 5
	Attempts int

	// Base is the pause after the first failure. Default: 100ms
	Base time.Duration

	// Cap bounds every pause. Default: 5s
	Cap time.Duration

	// Factor multiplies the pause after each failure. Default: 2
	Factor float64

	// Jitter spreads each pause by up to this fraction either way. Default: 0.1
	Jitter float64
}

// DefaultBackoff returns the backoff used by worker processes.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 5,
		Base:     100 * time.Millisecond,
		Cap:      5 * time.Second,
		Factor:   2,
		Jitter:   0.1,
	}
}

// Delay returns the pause after failed attempt n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Base)
	for i := 1; i < n; i++ {
		d *= b.Factor
		if d >= float64(b.Cap) {
			d = float64(b.Cap)
			break
		}
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	if d <= 0 {
		return b.Base
	}
	return time.Duration(d)
}

// Do calls op until it succeeds, fails permanently or the attempts run out.
// The last error is returned; a cancelled ctx ends the wait early.
func (b Backoff) Do(ctx context.Context, op func() error) error {
	var err error
	for n := 1; ; n++ {
		if err = op(); err == nil || !Transient(err) || n >= b.Attempts {
			return err
		}
		t := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// permanentMarkers are driver messages that a retry cannot fix.
var permanentMarkers = []string{
	"UNIQUE constraint failed",
	"FOREIGN KEY constraint failed",
	"duplicate key value",
	"violates foreign key constraint",
	"no such table",
	"does not exist",
}

// Transient reports whether err may succeed on another attempt. Lock
// contention and dropped connections are transient; cancellation, missing
// rows, constraint violations and NoRetry errors are not.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrDocumentNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return false
	case core.IsFatal(err):
		return false
	}
	msg := err.Error()
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}
