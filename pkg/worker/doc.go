// Package worker provides the bounded worker pools that execute OCR jobs.
//
// This package includes:
//   - Pool: the submission contract the dispatcher uses
//   - ProcessPool: a fixed set of OS processes, each owning one loaded OCR
//     engine, spoken to over a JSON-lines protocol on stdin/stdout, with a
//     watchdog that kills and respawns a worker whose job overruns
//   - LocalPool: an in-process pool with the same contract, for tests and
//     single-binary deployments
//   - Serve: the loop a worker process runs
//   - RetryingStorage: job-record calls retried under a Backoff while they fail Transient
//
// Most users should import the root package github.com/jdziat/court-ocr-jobs.
package worker
