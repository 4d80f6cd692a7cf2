// Package selection recognises the text inside a rectangle the user drew on
// one page of a document. It runs inline in the request, outside the job
// queue, and reuses the page OCR executor.
package selection
