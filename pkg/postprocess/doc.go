// Package postprocess cleans raw OCR output and scores how well-formed it looks.
//
// Both functions are pure: Clean is deterministic and idempotent, and
// EstimateConfidence returns a value in [0, 1] that is 0 for empty text.
package postprocess
