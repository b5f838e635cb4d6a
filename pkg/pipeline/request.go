// Package pipeline runs the create-image request through throttle, auth,
// credit, generation, persistence and usage webhook, in that order.
package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Request is a create-image request. It is not modified once received.
type Request struct {
	UserID            string
	APIKey            string
	CatalogID         string
	SubjectImageURL   string
	ReferenceImageURL string

	Source       string // connection-level address of the caller
	IdentityHint string // X-User-ID header, if any
	RequestID    string // generated when empty
}

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Validate checks that the core fields are present and the image URLs are
// absolute http(s) URLs.
func (r Request) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"user_id", r.UserID},
		{"api_key", r.APIKey},
		{"catalog_id", r.CatalogID},
		{"user_image_url", r.SubjectImageURL},
		{"catalog_image_url", r.ReferenceImageURL},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}

	for _, f := range []struct{ name, value string }{
		{"user_image_url", r.SubjectImageURL},
		{"catalog_image_url", r.ReferenceImageURL},
	} {
		u, err := url.Parse(f.value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s must be an absolute http(s) URL", ErrInvalidRequest, f.name)
		}
	}
	return nil
}
