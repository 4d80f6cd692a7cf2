// Package security provides validation, sanitization, and limits for the OCR pipeline.
//
// This package includes:
//   - Input validation for document ids, selections and manual text
//   - Error message sanitization before messages are stored in job records
//   - Clamping functions to enforce safe limits on pool size and instructions
//   - Safe resolution of stored file names inside the files directory
package security
