package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// SystemPrompt frames the vision-language model as a recogniser.
const SystemPrompt = "You are OCR system for text recognition."

// VLMConfig configures the vision-language model backend.
type VLMConfig struct {
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// Serve launches a local server per engine; BaseURL is then ignored.
	Serve VLMServeConfig
}

// VLM sends page images to a vision-language model served behind an
// OpenAI-compatible chat completions endpoint.
type VLM struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewVLM creates the client and checks that the endpoint serves the model.
func NewVLM(ctx context.Context, cfg VLMConfig) (*VLM, error) {
	if cfg.Model == "" {
		return nil, errors.New("vlm: model name required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	v := &VLM{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
	if v.maxTokens <= 0 {
		v.maxTokens = 4096
	}

	if _, err := v.client.GetModel(ctx, cfg.Model); err != nil {
		return nil, classifyAPIError(fmt.Errorf("vlm: model %s: %w", cfg.Model, err))
	}
	return v, nil
}

// Recognize implements Engine.
func (v *VLM) Recognize(ctx context.Context, imagePath, instruction string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(imagePath)))
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/png"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)

	req := openai.ChatCompletionRequest{
		Model:       v.model,
		MaxTokens:   v.maxTokens,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailHigh},
					},
					{Type: openai.ChatMessagePartTypeText, Text: instruction},
				},
			},
		},
	}

	resp, err := v.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyAPIError(fmt.Errorf("vlm: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("vlm: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Close implements Engine.
func (v *VLM) Close() error {
	return nil
}

// classifyAPIError maps out-of-memory reports from the inference server onto
// core.ErrOutOfMemory so the loader can fall back.
func classifyAPIError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range oomMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", core.ErrOutOfMemory, err)
		}
	}
	return err
}

var oomMarkers = []string{
	"out of memory",
	"outofmemory",
	"no available memory for the cache blocks",
}

// newVLMFactory calls the configured endpoint, or launches a server per
// placement when cfg.Serve names a command. A remote endpoint places the
// model itself, so the placement is advisory there.
func newVLMFactory(cfg VLMConfig) Factory {
	if cfg.Serve.Command != "" {
		return newServedVLMFactory(cfg)
	}
	return func(ctx context.Context, _ Placement) (Engine, error) {
		return NewVLM(ctx, cfg)
	}
}
