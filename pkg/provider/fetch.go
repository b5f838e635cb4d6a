package provider

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// fetchImage downloads an input image, refusing bodies over max bytes.
func fetchImage(ctx context.Context, client *http.Client, url string, max int64) (InlineImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return InlineImage{}, fmt.Errorf("fetch %s: create request: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return InlineImage{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return InlineImage{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return InlineImage{}, fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	if int64(len(data)) > max {
		return InlineImage{}, fmt.Errorf("fetch %s: image larger than %d bytes", url, max)
	}
	if len(data) == 0 {
		return InlineImage{}, fmt.Errorf("fetch %s: empty body", url)
	}

	return InlineImage{Data: data, MIMEType: imageType(resp.Header.Get("Content-Type"), data)}, nil
}

func imageType(header string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	return http.DetectContentType(data)
}
