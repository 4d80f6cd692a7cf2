// Package raster turns source documents into page images the OCR engines accept.
//
// PDF work goes through poppler (pdfinfo, pdftoppm) and ocrmypdf via a
// command.Runner; image work uses imaging for decode, crop and resize and
// bild for grayscale and contrast adjustment.
package raster
