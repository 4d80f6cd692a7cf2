package core

import "time"

// Event is the interface for all queue events.
type Event interface {
	eventMarker()
}

// JobEnqueued is emitted when a document id is accepted into the queue.
type JobEnqueued struct {
	DocumentID uint
	Timestamp  time.Time
}

func (*JobEnqueued) eventMarker() {}

// JobDuplicate is emitted when an enqueue is dropped because the id is in flight.
type JobDuplicate struct {
	DocumentID uint
	Timestamp  time.Time
}

func (*JobDuplicate) eventMarker() {}

// JobStarted is emitted when a job is handed to the worker pool.
type JobStarted struct {
	DocumentID uint
	Timestamp  time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	DocumentID uint
	ResultID   uint
	Duration   time.Duration
	Timestamp  time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails.
type JobFailed struct {
	DocumentID uint
	Error      error
	Timestamp  time.Time
}

func (*JobFailed) eventMarker() {}
