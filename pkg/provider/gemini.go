package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// InlineImage is an input image passed to the analysis model.
type InlineImage struct {
	Data     []byte
	MIMEType string
}

// Analyzer turns a prompt and reference images into a generation prompt.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string, images []InlineImage) (string, error)
}

// ImageGenerator renders an image from a text prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (Output, error)
}

// GeminiConfig configures the analyze-then-generate provider.
type GeminiConfig struct {
	FallbackPrompt bool  // use the template prompt when analysis fails
	MaxImageBytes  int64 // per input image
}

// GeminiProvider downloads both input images, asks a multimodal model to
// describe the try-on, and renders the description with an image model.
type GeminiProvider struct {
	analyzer  Analyzer
	generator ImageGenerator
	fetcher   *http.Client
	cfg       GeminiConfig
}

// NewGeminiProvider creates the analyze-then-generate provider.
func NewGeminiProvider(analyzer Analyzer, generator ImageGenerator, cfg GeminiConfig) *GeminiProvider {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 20 << 20
	}
	return &GeminiProvider{
		analyzer:  analyzer,
		generator: generator,
		fetcher:   &http.Client{},
		cfg:       cfg,
	}
}

func (g *GeminiProvider) Name() string { return "gemini" }

// Generate runs the two-step flow. An analysis failure is fatal unless the
// fallback prompt is enabled.
func (g *GeminiProvider) Generate(ctx context.Context, in Input) (Output, error) {
	images := make([]InlineImage, 2)
	eg, egCtx := errgroup.WithContext(ctx)
	for i, url := range []string{in.SubjectImageURL, in.ReferenceImageURL} {
		eg.Go(func() error {
			img, err := fetchImage(egCtx, g.fetcher, url, g.cfg.MaxImageBytes)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Output{}, &Error{Provider: g.Name(), Stage: "fetch", Cause: err}
	}

	base := in.Prompt
	if base == "" {
		base = CatalogShotPrompt
	}

	prompt, err := g.analyzer.Analyze(ctx, base+"\n\n"+analysisSuffix, images)
	if err == nil && strings.TrimSpace(prompt) == "" {
		err = errors.New("analysis returned no text")
	}
	if err != nil {
		if !g.cfg.FallbackPrompt {
			return Output{}, &Error{Provider: g.Name(), Stage: "analyze", Cause: err}
		}
		prompt = base
	}

	out, err := g.generator.GenerateImage(ctx, prompt)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return Output{}, err
		}
		return Output{}, &Error{Provider: g.Name(), Stage: "generate", Cause: err}
	}
	if out.Empty() {
		return Output{}, &Error{Provider: g.Name(), Stage: "generate", Message: "no image returned"}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// GenAI backend
// ---------------------------------------------------------------------------

// GenAIBackend serves both steps through the Gemini API SDK.
type GenAIBackend struct {
	client        *genai.Client
	analysisModel string
	imageModel    string
}

// NewGenAIBackend creates an SDK client for the Gemini API.
func NewGenAIBackend(ctx context.Context, apiKey, analysisModel, imageModel string) (*GenAIBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GenAIBackend{
		client:        client,
		analysisModel: analysisModel,
		imageModel:    imageModel,
	}, nil
}

func safetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  c,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	return settings
}

// Analyze sends the prompt followed by the images to the analysis model and
// returns the concatenated text of the first candidate.
func (b *GenAIBackend) Analyze(ctx context.Context, prompt string, images []InlineImage) (string, error) {
	parts := []*genai.Part{{Text: prompt}}
	for _, img := range images {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: img.Data, MIMEType: img.MIMEType}})
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	resp, err := b.client.Models.GenerateContent(ctx, b.analysisModel, contents, &genai.GenerateContentConfig{
		SafetySettings: safetySettings(),
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("no candidates returned")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return "", errors.New("blocked by safety filter")
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("empty content, finish reason %s", candidate.FinishReason)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	return text.String(), nil
}

// GenerateImage renders prompt with the image model.
func (b *GenAIBackend) GenerateImage(ctx context.Context, prompt string) (Output, error) {
	resp, err := b.client.Models.GenerateImages(ctx, b.imageModel, prompt, &genai.GenerateImagesConfig{
		AspectRatio: "1:1",
	})
	if err != nil {
		return Output{}, fmt.Errorf("generate images: %w", err)
	}
	for _, img := range resp.GeneratedImages {
		if img == nil {
			continue
		}
		if img.Image != nil && len(img.Image.ImageBytes) > 0 {
			mediaType := img.Image.MIMEType
			if mediaType == "" {
				mediaType = "image/png"
			}
			return Output{Bytes: img.Image.ImageBytes, MediaType: mediaType}, nil
		}
		if img.RAIFilteredReason != "" {
			return Output{}, fmt.Errorf("image filtered: %s", img.RAIFilteredReason)
		}
	}
	return Output{}, errors.New("no image returned")
}
