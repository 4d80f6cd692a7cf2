// Package schedule runs periodic maintenance of the OCR job records.
//
// This package includes:
//   - Parse, which reads fixed delays and cron expressions
//   - Reaper, which fails queued or running records no live job owns
//
// A job record can be left pending or running when the server restarts,
// because the in-flight set lives in memory. The reaper settles such records
// so they can be re-run.
package schedule
