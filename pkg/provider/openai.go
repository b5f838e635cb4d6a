package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abdhe/tryon-inference-proxy/pkg/resilience"
)

// OpenAIConfig configures the direct-generation provider.
type OpenAIConfig struct {
	BaseURL        string
	Model          string
	Size           string
	Quality        string
	ResponseFormat string        // b64_json or url
	KeyCooldown    time.Duration // how long a rate-limited key is parked
}

// OpenAIProvider renders images with a single call to the OpenAI images API.
type OpenAIProvider struct {
	client *http.Client
	cfg    OpenAIConfig
	keys   *resilience.KeyPool
	now    func() time.Time
}

// NewOpenAIProvider creates the direct-generation provider.
func NewOpenAIProvider(cfg OpenAIConfig, keys *resilience.KeyPool) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1"), "/")
	if cfg.Model == "" {
		cfg.Model = "dall-e-3"
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
	}
	if cfg.Quality == "" {
		cfg.Quality = "hd"
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = "b64_json"
	}
	if cfg.KeyCooldown <= 0 {
		cfg.KeyCooldown = time.Minute
	}
	return &OpenAIProvider{
		client: &http.Client{},
		cfg:    cfg,
		keys:   keys,
		now:    time.Now,
	}
}

func (o *OpenAIProvider) Name() string { return "openai" }

// ---------------------------------------------------------------------------
// Request / Response types for the images API
// ---------------------------------------------------------------------------

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Generate sends the try-on prompt to the images endpoint.
func (o *OpenAIProvider) Generate(ctx context.Context, in Input) (Output, error) {
	key, err := o.keys.Next()
	if err != nil {
		return Output{}, &Error{Provider: o.Name(), Stage: "request", Cause: err}
	}

	prompt := in.Prompt
	if prompt == "" {
		prompt = TryOnPrompt
	}

	jsonBody, err := json.Marshal(imageRequest{
		Model:          o.cfg.Model,
		Prompt:         prompt,
		N:              1,
		Size:           o.cfg.Size,
		Quality:        o.cfg.Quality,
		ResponseFormat: o.cfg.ResponseFormat,
	})
	if err != nil {
		return Output{}, &Error{Provider: o.Name(), Stage: "request", Message: "marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/v1/images/generations", bytes.NewReader(jsonBody))
	if err != nil {
		return Output{}, &Error{Provider: o.Name(), Stage: "request", Message: "create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return Output{}, &Error{Provider: o.Name(), Stage: "generate", Cause: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		if httpResp.StatusCode == http.StatusTooManyRequests {
			o.keys.MarkRateLimited(key, o.now().Add(o.cfg.KeyCooldown))
		}
		return Output{}, &Error{
			Provider: o.Name(),
			Stage:    "generate",
			Status:   httpResp.StatusCode,
			Message:  errorMessage(respBody),
		}
	}

	var imgResp imageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&imgResp); err != nil {
		return Output{}, &Error{Provider: o.Name(), Stage: "decode", Cause: err}
	}
	if len(imgResp.Data) == 0 {
		return Output{}, &Error{Provider: o.Name(), Stage: "decode", Message: "no image returned"}
	}

	img := imgResp.Data[0]
	switch {
	case img.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return Output{}, &Error{Provider: o.Name(), Stage: "decode", Message: "invalid base64 image", Cause: err}
		}
		return Output{Bytes: data, MediaType: "image/png"}, nil
	case img.URL != "":
		return Output{URL: img.URL}, nil
	default:
		return Output{}, &Error{Provider: o.Name(), Stage: "decode", Message: "image entry has neither url nor b64_json"}
	}
}

// errorMessage pulls the API's error message out of a response body.
func errorMessage(body []byte) string {
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
