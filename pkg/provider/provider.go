// Package provider defines the image-generation provider interface, its
// variants and the factory that selects one at startup.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Input is what a provider needs to render a try-on image.
type Input struct {
	SubjectImageURL   string // the person
	ReferenceImageURL string // the catalog item
	Prompt            string // overrides the provider's template when set
}

// Output is a generated image. Exactly one of Bytes or URL is set; URL may be
// a remote http(s) location or a base64 data: URL.
type Output struct {
	Bytes     []byte
	URL       string
	MediaType string
}

// Empty reports whether the provider returned no image at all.
func (o Output) Empty() bool {
	return len(o.Bytes) == 0 && o.URL == ""
}

// Provider is the interface that every image-generation backend implements.
type Provider interface {
	// Name returns the identifier used in logs and metrics ("openai", "gemini").
	Name() string

	// Generate renders one image. The context carries the provider deadline.
	Generate(ctx context.Context, in Input) (Output, error)
}

// Error is a provider failure with enough detail for the request log.
// It never carries credentials.
type Error struct {
	Provider string
	Stage    string // request, analyze, generate, decode, fetch
	Status   int    // upstream HTTP status, 0 when not applicable
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Stage)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d %s", e.Status, http.StatusText(e.Status))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// TryOnPrompt is the direct-generation prompt template.
const TryOnPrompt = "Generate a high-fidelity virtual try-on image where the person from the user image is wearing " +
	"the clothing item from the catalog image. Maintain the user's facial features, body proportions, and pose " +
	"while accurately applying the catalog item. Ensure realistic lighting, shadows, and fabric texture. Preserve " +
	"catalog item details (patterns, colors, design) and the user's natural appearance. The result should be " +
	"photorealistic and seamlessly integrated."

// CatalogShotPrompt is the base instruction for analyze-then-generate
// providers, also used as the generation prompt when analysis is skipped.
const CatalogShotPrompt = "take the person from the first reference image and the garment and the setting from the " +
	"second image, virtual try on should match the model's body. catalogue shoot. 4k. photorealistic. new shot " +
	"and visual. three quarter angle shot"

const analysisSuffix = "First image shows the person/model. Second image shows the garment and setting. " +
	"Create a detailed prompt for generating the virtual try-on result."
