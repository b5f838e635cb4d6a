package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/tryon-inference-proxy/pkg/pipeline"
)

type fakeRunner struct {
	mu     sync.Mutex
	result pipeline.Result
	reqs   []pipeline.Request
	onRun  func()
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) pipeline.Result {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	res, onRun := f.result, f.onRun
	f.mu.Unlock()
	if onRun != nil {
		onRun()
	}
	return res
}

func (f *fakeRunner) requests() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.reqs...)
}

func successResult() pipeline.Result {
	return pipeline.Result{
		RequestID:     "req-1",
		Status:        pipeline.StatusSuccess,
		ImageLocation: "/media/user123_catalog456_1.png",
		LatencyMs:     12.5,
	}
}

const validJSON = `{"user_id":"user123","api_key":"k","catalog_id":"catalog456",` +
	`"user_image_url":"https://img.example.com/u.jpg","catalog_image_url":"https://img.example.com/c.jpg"}`

func newTestHandler(t *testing.T, runner Runner) (http.Handler, string) {
	t.Helper()
	root := t.TempDir()
	return NewHTTPHandler(HTTPConfig{
		Runner:         runner,
		ServiceName:    "tryon-inference",
		Version:        "1.0.0",
		MediaRoot:      root,
		MediaURLPrefix: "/media",
		CORSOrigins:    []string{"*"},
	}), root
}

func TestCreateImage_JSONSuccess(t *testing.T) {
	runner := &fakeRunner{result: successResult()}
	h, _ := newTestHandler(t, runner)

	req := httptest.NewRequest(http.MethodPost, CreateImagePath, strings.NewReader(validJSON))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "hint")
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "/media/user123_catalog456_1.png", body["image_url"])
	assert.Equal(t, 12.5, body["latency_ms"])

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "user123", reqs[0].UserID)
	assert.Equal(t, "https://img.example.com/c.jpg", reqs[0].ReferenceImageURL)
	assert.Equal(t, "10.1.2.3", reqs[0].Source)
	assert.Equal(t, "hint", reqs[0].IdentityHint)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), reqs[0].RequestID)
}

func TestCreateImage_FormBody(t *testing.T) {
	runner := &fakeRunner{result: successResult()}
	h, _ := newTestHandler(t, runner)

	form := url.Values{
		"user_id":           {"user123"},
		"api_key":           {"k"},
		"catalog_id":        {"catalog456"},
		"user_image_url":    {"https://img.example.com/u.jpg"},
		"catalog_image_url": {"https://img.example.com/c.jpg"},
	}
	req := httptest.NewRequest(http.MethodPost, CreateImagePath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.requests(), 1)
	assert.Equal(t, "catalog456", runner.requests()[0].CatalogID)
}

func TestCreateImage_MultipartIgnoresFileUploads(t *testing.T) {
	multipartBody := func(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
		t.Helper()
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range fields {
			require.NoError(t, mw.WriteField(k, v))
		}
		fw, err := mw.CreateFormFile("user_image", "me.jpg")
		require.NoError(t, err)
		_, err = fw.Write([]byte("\xff\xd8\xff jpeg"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		return &buf, mw.FormDataContentType()
	}

	t.Run("text fields are used", func(t *testing.T) {
		runner := &fakeRunner{result: successResult()}
		h, _ := newTestHandler(t, runner)

		body, contentType := multipartBody(t, map[string]string{
			"user_id":           "user123",
			"api_key":           "k",
			"catalog_id":        "catalog456",
			"user_image_url":    "https://img.example.com/u.jpg",
			"catalog_image_url": "https://img.example.com/c.jpg",
		})
		req := httptest.NewRequest(http.MethodPost, CreateImagePath, body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, runner.requests(), 1)
		assert.Equal(t, "https://img.example.com/u.jpg", runner.requests()[0].SubjectImageURL)
	})

	t.Run("file without url is rejected", func(t *testing.T) {
		runner := &fakeRunner{result: successResult()}
		h, _ := newTestHandler(t, runner)

		body, contentType := multipartBody(t, map[string]string{
			"user_id":           "user123",
			"api_key":           "k",
			"catalog_id":        "catalog456",
			"catalog_image_url": "https://img.example.com/c.jpg",
		})
		req := httptest.NewRequest(http.MethodPost, CreateImagePath, body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, runner.requests())
	})
}

func TestCreateImage_InvalidRequest(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"missing fields", "application/json", `{"user_id":"u"}`},
		{"malformed json", "application/json", `{`},
		{"relative url", "application/json", strings.Replace(validJSON, "https://img.example.com/u.jpg", "/u.jpg", 1)},
		{"unsupported content type", "text/plain", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: successResult()}
			h, _ := newTestHandler(t, runner)

			req := httptest.NewRequest(http.MethodPost, CreateImagePath, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "error", body.Status)
			assert.Equal(t, "invalid_request", body.Error)
			assert.Empty(t, runner.requests())
		})
	}
}

func TestCreateImage_ErrorKinds(t *testing.T) {
	tests := []struct {
		kind       pipeline.Kind
		reason     string
		wantStatus int
		wantTag    string
	}{
		{pipeline.KindThrottled, "rate_limit_exceeded", http.StatusTooManyRequests, "throttled"},
		{pipeline.KindAuthFailed, "invalid_key", http.StatusUnauthorized, "auth_failed"},
		{pipeline.KindInsufficientCredit, "insufficient_credit", http.StatusForbidden, "insufficient_credit"},
		{pipeline.KindProviderError, "generation_failed", http.StatusInternalServerError, "provider_error"},
		{pipeline.KindUpstreamTransient, "auth_unavailable", http.StatusServiceUnavailable, "upstream_unavailable"},
		{pipeline.KindPersistence, "persist_failed", http.StatusInternalServerError, "persistence_error"},
	}

	for _, tt := range tests {
		t.Run(tt.wantTag, func(t *testing.T) {
			runner := &fakeRunner{result: pipeline.Result{
				RequestID: "req-9",
				Status:    pipeline.StatusError,
				LatencyMs: 3,
				Err:       &pipeline.Error{Kind: tt.kind, Reason: tt.reason},
			}}
			h, _ := newTestHandler(t, runner)

			req := httptest.NewRequest(http.MethodPost, CreateImagePath, strings.NewReader(validJSON))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, errorBody{
				Status:    "error",
				Error:     tt.wantTag,
				Detail:    tt.reason,
				LatencyMs: 3,
				RequestID: "req-9",
			}, body)
		})
	}
}

func TestCreateImage_CallerGoneDiscardsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{result: successResult(), onRun: cancel}
	h, _ := newTestHandler(t, runner)

	req := httptest.NewRequest(http.MethodPost, CreateImagePath, strings.NewReader(validJSON)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Len(t, runner.requests(), 1)
	assert.Empty(t, rec.Body.String())
}

func TestBannerAndHealth(t *testing.T) {
	h, _ := newTestHandler(t, &fakeRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"tryon-inference","version":"1.0.0"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaServing(t *testing.T) {
	h, root := newTestHandler(t, &fakeRunner{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "a_b_1.png"), []byte("img"), 0o644))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/a_b_1.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "img", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
