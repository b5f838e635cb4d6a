package proxy

import (
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/tryon-inference-proxy/pkg/pipeline"
)

// CreateImagePath is the create-image endpoint.
const CreateImagePath = "/api/v1/create-image"

const maxBodyBytes = 1 << 20

// HTTPConfig configures the HTTP front end.
type HTTPConfig struct {
	Runner         Runner
	ServiceName    string
	Version        string
	MediaRoot      string
	MediaURLPrefix string
	CORSOrigins    []string
	Logger         *zap.Logger
}

type httpServer struct {
	runner  Runner
	service string
	version string
	logger  *zap.Logger
}

// NewHTTPHandler builds the HTTP routes: the service banner, health, the
// create-image endpoint and static media.
func NewHTTPHandler(cfg HTTPConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MediaURLPrefix == "" {
		cfg.MediaURLPrefix = "/media"
	}
	s := &httpServer{
		runner:  cfg.Runner,
		service: cfg.ServiceName,
		version: cfg.Version,
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST "+CreateImagePath, s.handleCreateImage)

	prefix := strings.TrimSuffix(cfg.MediaURLPrefix, "/")
	if cfg.MediaRoot != "" {
		files := http.StripPrefix(prefix+"/", noListing(http.FileServer(http.Dir(cfg.MediaRoot))))
		mux.Handle("GET "+prefix+"/", files)
	}

	return Chain(mux,
		Recovery(cfg.Logger),
		RequestID(),
		RequestLogger(cfg.Logger),
		CORS(cfg.CORSOrigins),
	)
}

func (s *httpServer) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.service,
		"version": s.version,
	})
}

func (s *httpServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type createImageBody struct {
	UserID          string `json:"user_id"`
	APIKey          string `json:"api_key"`
	CatalogID       string `json:"catalog_id"`
	UserImageURL    string `json:"user_image_url"`
	CatalogImageURL string `json:"catalog_image_url"`
}

type successBody struct {
	Status    string  `json:"status"`
	ImageURL  string  `json:"image_url"`
	LatencyMs float64 `json:"latency_ms"`
	RequestID string  `json:"request_id,omitempty"`
}

type errorBody struct {
	Status    string  `json:"status"`
	Error     string  `json:"error"`
	Detail    string  `json:"detail"`
	LatencyMs float64 `json:"latency_ms"`
	RequestID string  `json:"request_id,omitempty"`
}

func (s *httpServer) handleCreateImage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := RequestIDFromContext(r.Context())

	body, err := decodeCreateImage(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status:    "error",
			Error:     "invalid_request",
			Detail:    err.Error(),
			LatencyMs: sinceMs(start),
			RequestID: requestID,
		})
		return
	}

	req := pipeline.Request{
		UserID:            body.UserID,
		APIKey:            body.APIKey,
		CatalogID:         body.CatalogID,
		SubjectImageURL:   body.UserImageURL,
		ReferenceImageURL: body.CatalogImageURL,
		Source:            remoteHost(r.RemoteAddr),
		IdentityHint:      r.Header.Get("X-User-ID"),
		RequestID:         requestID,
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status:    "error",
			Error:     "invalid_request",
			Detail:    err.Error(),
			LatencyMs: sinceMs(start),
			RequestID: requestID,
		})
		return
	}

	res := s.runner.Run(r.Context(), req)

	if r.Context().Err() != nil {
		s.logger.Debug("caller went away, result discarded",
			zap.String("request_id", res.RequestID), zap.String("status", string(res.Status)))
		return
	}

	if res.Err != nil {
		writeJSON(w, res.Err.Kind.HTTPStatus(), errorBody{
			Status:    string(res.Status),
			Error:     res.Err.Kind.String(),
			Detail:    res.Err.Reason,
			LatencyMs: res.LatencyMs,
			RequestID: res.RequestID,
		})
		return
	}
	writeJSON(w, http.StatusOK, successBody{
		Status:    string(res.Status),
		ImageURL:  res.ImageLocation,
		LatencyMs: res.LatencyMs,
		RequestID: res.RequestID,
	})
}

// decodeCreateImage reads a JSON, urlencoded or multipart body.
func decodeCreateImage(w http.ResponseWriter, r *http.Request) (createImageBody, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body createImageBody
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return body, errors.New("malformed JSON body")
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if mediaType == "multipart/form-data" {
			if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
				return body, errors.New("malformed form body")
			}
		} else if err := r.ParseForm(); err != nil {
			return body, errors.New("malformed form body")
		}
		body = createImageBody{
			UserID:          r.PostFormValue("user_id"),
			APIKey:          r.PostFormValue("api_key"),
			CatalogID:       r.PostFormValue("catalog_id"),
			UserImageURL:    r.PostFormValue("user_image_url"),
			CatalogImageURL: r.PostFormValue("catalog_image_url"),
		}
	default:
		return body, errors.New("content type must be application/json or a form")
	}
	return body, nil
}

// noListing hides directory indexes under the media prefix.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
