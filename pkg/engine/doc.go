// Package engine loads OCR engines and runs page recognition.
//
// A Factory builds an Engine for a Placement (accelerator device and memory
// cap). The Loader picks the placement from nvidia-smi readings and falls
// back to automatic placement, then to an uncapped load, when memory runs
// out. The Executor wraps a loaded engine with a hard per-page timeout and
// turns every failure into a sentinel page text, so one bad page never
// aborts a document.
//
// Backends:
//
//   - tesseract: local Tesseract through gosseract (requires cgo)
//   - vlm: a vision-language model behind an OpenAI-compatible endpoint, or
//     a server launched per engine on the placement's device
//   - gvision: Google Cloud Vision DOCUMENT_TEXT_DETECTION
package engine
