package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	text   string
	err    error
	prompt string
	images []InlineImage
}

func (f *fakeAnalyzer) Analyze(_ context.Context, prompt string, images []InlineImage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = prompt
	f.images = images
	return f.text, f.err
}

type fakeGenerator struct {
	out    Output
	err    error
	prompt string
	calls  int
}

func (f *fakeGenerator) GenerateImage(_ context.Context, prompt string) (Output, error) {
	f.calls++
	f.prompt = prompt
	return f.out, f.err
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("user-bytes"))
		case "/catalog.png":
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = w.Write([]byte("catalog-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiProvider_AnalyzeThenGenerate(t *testing.T) {
	srv := imageServer(t)
	analyzer := &fakeAnalyzer{text: "a detailed try-on prompt"}
	generator := &fakeGenerator{out: Output{Bytes: []byte("png"), MediaType: "image/png"}}
	p := NewGeminiProvider(analyzer, generator, GeminiConfig{})

	out, err := p.Generate(context.Background(), Input{
		SubjectImageURL:   srv.URL + "/user.jpg",
		ReferenceImageURL: srv.URL + "/catalog.png",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), out.Bytes)

	require.Len(t, analyzer.images, 2)
	assert.Equal(t, InlineImage{Data: []byte("user-bytes"), MIMEType: "image/jpeg"}, analyzer.images[0])
	assert.Equal(t, InlineImage{Data: []byte("catalog-bytes"), MIMEType: "image/png"}, analyzer.images[1])
	assert.Contains(t, analyzer.prompt, CatalogShotPrompt)
	assert.Contains(t, analyzer.prompt, analysisSuffix)
	assert.Equal(t, "a detailed try-on prompt", generator.prompt)
}

func TestGeminiProvider_AnalysisFailureIsFatal(t *testing.T) {
	srv := imageServer(t)
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
	}{
		{"error", &fakeAnalyzer{err: errors.New("quota exceeded")}},
		{"empty text", &fakeAnalyzer{text: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator := &fakeGenerator{out: Output{Bytes: []byte("png")}}
			p := NewGeminiProvider(tt.analyzer, generator, GeminiConfig{})

			_, err := p.Generate(context.Background(), Input{
				SubjectImageURL:   srv.URL + "/user.jpg",
				ReferenceImageURL: srv.URL + "/catalog.png",
			})
			require.Error(t, err)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "analyze", perr.Stage)
			assert.Zero(t, generator.calls)
		})
	}
}

func TestGeminiProvider_FallbackPrompt(t *testing.T) {
	srv := imageServer(t)
	generator := &fakeGenerator{out: Output{Bytes: []byte("png")}}
	p := NewGeminiProvider(&fakeAnalyzer{err: errors.New("down")}, generator, GeminiConfig{FallbackPrompt: true})

	_, err := p.Generate(context.Background(), Input{
		SubjectImageURL:   srv.URL + "/user.jpg",
		ReferenceImageURL: srv.URL + "/catalog.png",
	})
	require.NoError(t, err)
	assert.Equal(t, CatalogShotPrompt, generator.prompt)
}

func TestGeminiProvider_FetchFailure(t *testing.T) {
	srv := imageServer(t)
	analyzer := &fakeAnalyzer{text: "prompt"}
	p := NewGeminiProvider(analyzer, &fakeGenerator{}, GeminiConfig{})

	_, err := p.Generate(context.Background(), Input{
		SubjectImageURL:   srv.URL + "/user.jpg",
		ReferenceImageURL: srv.URL + "/missing.png",
	})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fetch", perr.Stage)
	assert.Contains(t, err.Error(), "status 404")
	assert.Empty(t, analyzer.prompt)
}

func TestGeminiProvider_OversizedImage(t *testing.T) {
	srv := imageServer(t)
	p := NewGeminiProvider(&fakeAnalyzer{text: "p"}, &fakeGenerator{}, GeminiConfig{MaxImageBytes: 4})

	_, err := p.Generate(context.Background(), Input{
		SubjectImageURL:   srv.URL + "/user.jpg",
		ReferenceImageURL: srv.URL + "/catalog.png",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "larger than 4 bytes")
}

func TestGeminiProvider_GeneratorReturnsNothing(t *testing.T) {
	srv := imageServer(t)
	p := NewGeminiProvider(&fakeAnalyzer{text: "p"}, &fakeGenerator{}, GeminiConfig{})

	_, err := p.Generate(context.Background(), Input{
		SubjectImageURL:   srv.URL + "/user.jpg",
		ReferenceImageURL: srv.URL + "/catalog.png",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no image returned")
}
