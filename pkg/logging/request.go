package logging

import (
	"go.uber.org/zap"
)

// Webhook delivery outcomes recorded on successful requests.
const (
	WebhookDelivered = "delivered"
	WebhookDegraded  = "degraded"
)

// Entry is the single structured record written per request.
type Entry struct {
	RequestID   string
	Identity    string
	UserID      string
	CatalogID   string
	Status      string // success or error
	Reason      string
	LatencyMs   float64
	Provider    string
	ErrorDetail string
	Webhook     string
}

// RequestLogger writes one Entry per request.
type RequestLogger struct {
	logger *zap.Logger
}

func NewRequestLogger(logger *zap.Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// Record writes e. Errors are logged at error level, degraded webhooks at
// warn level, everything else at info level.
func (l *RequestLogger) Record(e Entry) {
	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("identity", e.Identity),
		zap.String("user_id", e.UserID),
		zap.String("catalog_id", e.CatalogID),
		zap.String("status", e.Status),
		zap.Float64("latency_ms", e.LatencyMs),
		zap.String("ai_provider", e.Provider),
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Webhook != "" {
		fields = append(fields, zap.String("webhook", e.Webhook))
	}
	if e.ErrorDetail != "" {
		fields = append(fields, zap.String("error", e.ErrorDetail))
	}

	switch {
	case e.Status == "error":
		l.logger.Error("inference request", fields...)
	case e.Webhook == WebhookDegraded:
		l.logger.Warn("inference request", fields...)
	default:
		l.logger.Info("inference request", fields...)
	}
}
