// Package queue provides the OCR job queue and dispatcher.
//
// This package includes:
//   - Queue: enqueue with in-flight deduplication, the dispatch loop and shutdown
//   - Option: configuration of polling and logging
//   - Hook registration for job completion and failure
//   - Event subscription for monitoring
//
// Jobs run in a worker.Pool. The queue never waits for a job before
// dispatching the next one; a completion watcher per job observes the result
// and releases the document id.
package queue
