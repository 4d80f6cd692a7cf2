package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
)

// GVisionConfig configures the Google Cloud Vision backend.
// CredentialsJSON wins over CredentialsFile; with neither, application
// default credentials are used.
type GVisionConfig struct {
	CredentialsJSON string
	CredentialsFile string
	Language        string
}

// GVision recognises pages with DOCUMENT_TEXT_DETECTION.
type GVision struct {
	client   *vision.ImageAnnotatorClient
	hints    []string
	lastConf float64
	hasConf  bool
}

// NewGVision dials the Vision API.
func NewGVision(ctx context.Context, cfg GVisionConfig) (*GVision, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gvision: create client: %w", err)
	}
	return &GVision{client: client, hints: languageHints(cfg.Language)}, nil
}

// Recognize implements Engine. Vision takes no instruction.
func (g *GVision) Recognize(ctx context.Context, imagePath, _ string) (string, error) {
	g.hasConf = false
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image:    &visionpb.Image{Content: data},
				Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
				ImageContext: &visionpb.ImageContext{
					LanguageHints: g.hints,
				},
			},
		},
	}
	resp, err := g.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return "", fmt.Errorf("gvision: %w", err)
	}
	if len(resp.Responses) == 0 {
		return "", errors.New("gvision: empty response")
	}
	r := resp.Responses[0]
	if r.Error != nil {
		return "", fmt.Errorf("gvision: %s", r.Error.Message)
	}
	fta := r.FullTextAnnotation
	if fta == nil {
		return "", nil
	}

	var sum float64
	for _, p := range fta.Pages {
		sum += float64(p.Confidence)
	}
	if len(fta.Pages) > 0 {
		g.lastConf = clamp01(sum / float64(len(fta.Pages)))
		g.hasConf = true
	}
	return fta.Text, nil
}

// LastConfidence implements Scorer with the mean page confidence.
func (g *GVision) LastConfidence() (float64, bool) {
	return g.lastConf, g.hasConf
}

// Close implements Engine.
func (g *GVision) Close() error {
	return g.client.Close()
}

// tessToISO maps Tesseract language codes to BCP-47 hints.
var tessToISO = map[string]string{
	"pol": "pl",
	"eng": "en",
	"deu": "de",
	"fra": "fr",
	"ukr": "uk",
	"rus": "ru",
	"ces": "cs",
	"slk": "sk",
}

func languageHints(lang string) []string {
	var hints []string
	for _, l := range splitLanguages(lang) {
		if iso, ok := tessToISO[l]; ok {
			hints = append(hints, iso)
		} else if len(l) == 2 {
			hints = append(hints, l)
		}
	}
	return hints
}

// newGVisionFactory ignores the placement of the remote service.
func newGVisionFactory(cfg GVisionConfig) Factory {
	return func(ctx context.Context, _ Placement) (Engine, error) {
		return NewGVision(ctx, cfg)
	}
}
