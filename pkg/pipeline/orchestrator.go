package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdhe/tryon-inference-proxy/pkg/backend"
	"github.com/abdhe/tryon-inference-proxy/pkg/logging"
	"github.com/abdhe/tryon-inference-proxy/pkg/metrics"
	"github.com/abdhe/tryon-inference-proxy/pkg/provider"
	"github.com/abdhe/tryon-inference-proxy/pkg/resilience"
	"github.com/abdhe/tryon-inference-proxy/pkg/storage"
	"github.com/abdhe/tryon-inference-proxy/pkg/throttle"
)

// Backend is the subset of the account backend the pipeline calls.
type Backend interface {
	Authenticate(ctx context.Context, userID, apiKey string) (backend.AuthResult, error)
	CheckCredit(ctx context.Context, userID string) (backend.CreditResult, error)
	PostWebhook(ctx context.Context, u backend.Usage) error
}

// Store persists a generated image.
type Store interface {
	Save(ctx context.Context, userID, catalogID string, out provider.Output) (storage.Artifact, error)
}

// Recorder receives the single log entry written per request.
type Recorder interface {
	Record(e logging.Entry)
}

// Status is the outcome reported to the caller.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the terminal outcome of one request.
type Result struct {
	RequestID     string
	Status        Status
	ImageLocation string // set only on success
	LatencyMs     float64
	Provider      string
	Err           *Error // set only on error

	trace []State
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Guard           throttle.Guard
	IdentityMode    throttle.IdentityMode
	Backend         Backend
	Provider        provider.Provider
	Breaker         *resilience.CircuitBreaker // optional
	Store           Store
	Recorder        Recorder
	Logger          *zap.Logger
	ProviderTimeout time.Duration
	AsyncWebhook    bool

	// WebhookSyncTimeout bounds the webhook, retries included, when it is
	// delivered before the response (AsyncWebhook false).
	WebhookSyncTimeout time.Duration
}

// Orchestrator runs requests through the pipeline. It holds no per-request
// state and is safe for concurrent use.
type Orchestrator struct {
	guard           throttle.Guard
	identityMode    throttle.IdentityMode
	backend         Backend
	provider        provider.Provider
	breaker         *resilience.CircuitBreaker
	store           Store
	recorder        Recorder
	logger          *zap.Logger
	providerTimeout time.Duration
	asyncWebhook    bool
	syncTimeout     time.Duration

	webhooks sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 120 * time.Second
	}
	if cfg.WebhookSyncTimeout <= 0 {
		cfg.WebhookSyncTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IdentityMode == "" {
		cfg.IdentityMode = throttle.IdentityUser
	}
	return &Orchestrator{
		guard:           cfg.Guard,
		identityMode:    cfg.IdentityMode,
		backend:         cfg.Backend,
		provider:        cfg.Provider,
		breaker:         cfg.Breaker,
		store:           cfg.Store,
		recorder:        cfg.Recorder,
		logger:          cfg.Logger,
		providerTimeout: cfg.ProviderTimeout,
		asyncWebhook:    cfg.AsyncWebhook,
		syncTimeout:     cfg.WebhookSyncTimeout,
	}
}

// Wait blocks until every background webhook has finished.
func (o *Orchestrator) Wait() {
	o.webhooks.Wait()
}

// run is the bookkeeping of one request.
type run struct {
	req      Request
	id       string
	identity string
	start    time.Time
	state    State
	trace    []State
	logger   *zap.Logger
}

func (r *run) enter(s State) {
	if !CanTransition(r.state, s) {
		r.logger.DPanic("pipeline: illegal transition", zap.Stringer("from", r.state), zap.Stringer("to", s))
	}
	r.state = s
	r.trace = append(r.trace, s)
	r.logger.Debug("pipeline: state", zap.Stringer("state", s))
}

func (r *run) latencyMs() float64 {
	ms := float64(time.Since(r.start).Microseconds()) / 1000
	if ms <= 0 {
		ms = 0.001
	}
	return ms
}

// Run executes the pipeline for req and returns its single terminal result.
// Success latency is measured up to persistence; the webhook is a
// notification and is dispatched afterwards. Caller cancellation does not
// abort in-flight remote calls: the run is detached from ctx's cancellation
// and the transport discards the result.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	ctx = context.WithoutCancel(ctx)

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		req:      req,
		id:       id,
		identity: throttle.Identity(o.identityMode, req.UserID, req.IdentityHint, req.Source),
		start:    time.Now(),
		state:    StateReceived,
		trace:    []State{StateReceived},
	}
	r.logger = o.logger.With(zap.String("request_id", r.id), zap.String("identity", r.identity))

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	// -------------------------------------------------------------------------
	// Step 1: Throttle
	// -------------------------------------------------------------------------
	if !o.guard.Allow(ctx, r.identity) {
		return o.reject(r, StateThrottled, &Error{Kind: KindThrottled, Reason: "rate_limit_exceeded"})
	}

	// -------------------------------------------------------------------------
	// Step 2: Authenticate
	// -------------------------------------------------------------------------
	r.enter(StateAuthenticating)
	stageStart := time.Now()
	auth, err := o.backend.Authenticate(ctx, req.UserID, req.APIKey)
	observeStage("auth", stageStart)
	if err != nil {
		return o.reject(r, StateUpstreamFailed, &Error{Kind: KindUpstreamTransient, Reason: "auth_unavailable", Cause: err})
	}
	if !auth.OK {
		return o.reject(r, StateAuthFailed, &Error{Kind: KindAuthFailed, Reason: orDefault(auth.Reason, "unauthorized")})
	}
	r.enter(StateAuthenticated)

	// -------------------------------------------------------------------------
	// Step 3: Credit check
	// -------------------------------------------------------------------------
	r.enter(StateCreditChecking)
	stageStart = time.Now()
	credit, err := o.backend.CheckCredit(ctx, req.UserID)
	observeStage("credit", stageStart)
	if err != nil {
		return o.reject(r, StateUpstreamFailed, &Error{Kind: KindUpstreamTransient, Reason: "credit_unavailable", Cause: err})
	}
	if !credit.OK {
		return o.reject(r, StateInsufficientCredit, &Error{Kind: KindInsufficientCredit, Reason: orDefault(credit.Reason, "insufficient_credit")})
	}
	r.enter(StateCreditOK)

	// -------------------------------------------------------------------------
	// Step 4: Generate
	// -------------------------------------------------------------------------
	r.enter(StateGenerating)
	stageStart = time.Now()
	out, err := o.generate(ctx, req)
	observeStage("generate", stageStart)
	if err != nil {
		reason := "generation_failed"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			reason = "provider_circuit_open"
		}
		return o.reject(r, StateGenerationFailed, &Error{Kind: KindProviderError, Reason: reason, Cause: err})
	}
	r.enter(StateGenerated)

	// -------------------------------------------------------------------------
	// Step 5: Persist
	// -------------------------------------------------------------------------
	stageStart = time.Now()
	artifact, err := o.store.Save(ctx, req.UserID, req.CatalogID, out)
	observeStage("persist", stageStart)
	if err != nil {
		return o.reject(r, StatePersistFailed, &Error{Kind: KindPersistence, Reason: "persist_failed", Cause: err})
	}
	r.enter(StatePersisted)

	res := Result{
		RequestID:     r.id,
		Status:        StatusSuccess,
		ImageLocation: artifact.URL,
		LatencyMs:     r.latencyMs(),
		Provider:      o.provider.Name(),
	}

	// -------------------------------------------------------------------------
	// Step 6: Usage webhook
	// -------------------------------------------------------------------------
	usage := backend.Usage{
		UserID:      req.UserID,
		CatalogID:   req.CatalogID,
		Status:      string(StatusSuccess),
		LatencyMs:   res.LatencyMs,
		Provider:    res.Provider,
		ImageURL:    artifact.URL,
		UsedCredits: 1,
	}
	if o.asyncWebhook {
		// dispatched; delivery continues in the background
		r.enter(StateWebhookNotified)
		r.enter(StateDone)
		res.trace = r.trace

		o.webhooks.Add(1)
		go func() {
			defer o.webhooks.Done()
			o.notify(ctx, r, res, usage)
		}()
	} else {
		wctx, cancel := context.WithTimeout(ctx, o.syncTimeout)
		o.notify(wctx, r, res, usage)
		cancel()

		r.enter(StateWebhookNotified)
		r.enter(StateDone)
		res.trace = r.trace
	}

	metrics.RequestsTotal.WithLabelValues(string(StatusSuccess), "").Inc()
	metrics.RequestLatency.WithLabelValues(res.Provider, string(StatusSuccess)).Observe(res.LatencyMs / 1000)
	return res
}

// generate calls the provider under its timeout and the circuit breaker.
// Only provider health failures count against the breaker. Provider calls
// are never retried here.
func (o *Orchestrator) generate(ctx context.Context, req Request) (provider.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()

	in := provider.Input{SubjectImageURL: req.SubjectImageURL, ReferenceImageURL: req.ReferenceImageURL}

	var out provider.Output
	call := func() error {
		var err error
		out, err = o.provider.Generate(ctx, in)
		if err == nil && out.Empty() {
			err = &provider.Error{Provider: o.provider.Name(), Stage: "generate", Message: "no image returned"}
		}
		return err
	}

	var err error
	if o.breaker != nil {
		err = o.breaker.ExecuteClassified(call, provider.IsHealthFailure)
		metrics.CircuitBreakerState.WithLabelValues(o.provider.Name()).Set(float64(o.breaker.State()))
	} else {
		err = call()
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.ProviderCalls.WithLabelValues(o.provider.Name(), result).Inc()
	return out, err
}

// notify posts the usage webhook and then writes the request's log entry.
// A failed webhook never changes the result.
func (o *Orchestrator) notify(ctx context.Context, r *run, res Result, usage backend.Usage) {
	stageStart := time.Now()
	err := o.backend.PostWebhook(ctx, usage)
	observeStage("webhook", stageStart)

	entry := o.entry(r, res)
	if err != nil {
		werr := &Error{Kind: KindWebhook, Reason: "webhook_failed", Cause: err}
		entry.Webhook = logging.WebhookDegraded
		entry.ErrorDetail = werr.Error()
		metrics.WebhookDeliveries.WithLabelValues(logging.WebhookDegraded).Inc()
		r.logger.Warn("pipeline: usage webhook failed", zap.Error(werr))
	} else {
		entry.Webhook = logging.WebhookDelivered
		metrics.WebhookDeliveries.WithLabelValues(logging.WebhookDelivered).Inc()
	}
	o.recorder.Record(entry)
}

// reject ends the run in a rejection state.
func (o *Orchestrator) reject(r *run, terminal State, perr *Error) Result {
	r.enter(terminal)

	res := Result{
		RequestID: r.id,
		Status:    StatusError,
		LatencyMs: r.latencyMs(),
		Provider:  o.provider.Name(),
		Err:       perr,
		trace:     r.trace,
	}

	entry := o.entry(r, res)
	entry.Reason = perr.Kind.String()
	entry.ErrorDetail = perr.Error()
	o.recorder.Record(entry)

	metrics.RequestsTotal.WithLabelValues(string(StatusError), perr.Kind.String()).Inc()
	metrics.RequestLatency.WithLabelValues(res.Provider, string(StatusError)).Observe(res.LatencyMs / 1000)
	return res
}

func (o *Orchestrator) entry(r *run, res Result) logging.Entry {
	return logging.Entry{
		RequestID: r.id,
		Identity:  r.identity,
		UserID:    r.req.UserID,
		CatalogID: r.req.CatalogID,
		Status:    string(res.Status),
		LatencyMs: res.LatencyMs,
		Provider:  res.Provider,
	}
}

func observeStage(stage string, start time.Time) {
	metrics.StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
