// Package pipeline runs one complete OCR job for one document.
//
// The pipeline marks the job running, classifies the source by its stored
// media type, recognises a single image or every rasterised PDF page in
// order, cleans and scores the text, persists the text artifact with its
// result document, re-embeds text into PDFs on a best-effort basis and
// finishes the job record. Every outcome is returned as a core.JobResult;
// errors never escape Run.
package pipeline
