package engine

import (
	"context"
	"fmt"
)

// Backend names accepted by NewFactory.
const (
	KindTesseract = "tesseract"
	KindVLM       = "vlm"
	KindGVision   = "gvision"
)

// DefaultInstruction is sent to instruction-following engines for full pages.
const DefaultInstruction = "Extract all the text from this court document page. Keep the original layout, paragraphs and line breaks. Return only the text."

// Engine recognises the text of one image file.
// Implementations are not required to be safe for concurrent use.
type Engine interface {
	Recognize(ctx context.Context, imagePath, instruction string) (string, error)
	Close() error
}

// Scorer is implemented by engines that report their own confidence in [0, 1]
// for the most recent Recognize call.
type Scorer interface {
	LastConfidence() (float64, bool)
}

// AutoDevice lets the backend spread the model over whatever devices it finds.
const AutoDevice = -1

// Placement says where a model is loaded.
type Placement struct {
	// Device is the accelerator index, or AutoDevice.
	Device int

	// MemLimitGB caps accelerator memory per device; 0 means no cap.
	MemLimitGB int

	// DeviceMB is the memory of Device, or of the smallest device for
	// AutoDevice; 0 when unknown.
	DeviceMB int
}

// MemFraction is the share of device memory the cap allows, or 0 when the
// placement is uncapped or the device size is unknown.
func (p Placement) MemFraction() float64 {
	if p.MemLimitGB <= 0 || p.DeviceMB <= 0 {
		return 0
	}
	return min(1, float64(p.MemLimitGB*1024)/float64(p.DeviceMB))
}

// Auto reports whether the placement is left to the backend.
func (p Placement) Auto() bool {
	return p.Device < 0
}

func (p Placement) String() string {
	dev := "auto"
	if !p.Auto() {
		dev = fmt.Sprintf("cuda:%d", p.Device)
	}
	if p.MemLimitGB > 0 {
		return fmt.Sprintf("%s (limit %dGiB)", dev, p.MemLimitGB)
	}
	return dev
}

// Factory builds an engine for a placement. It returns an error wrapping
// core.ErrOutOfMemory when the model does not fit. Backends that do not
// load a model locally treat the placement as advisory.
type Factory func(ctx context.Context, p Placement) (Engine, error)
