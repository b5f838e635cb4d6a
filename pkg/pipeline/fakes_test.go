package pipeline

import (
	"context"
	"sync"

	"github.com/abdhe/tryon-inference-proxy/pkg/backend"
	"github.com/abdhe/tryon-inference-proxy/pkg/logging"
	"github.com/abdhe/tryon-inference-proxy/pkg/provider"
	"github.com/abdhe/tryon-inference-proxy/pkg/storage"
)

type fakeBackend struct {
	mu          sync.Mutex
	auth        backend.AuthResult
	authErr     error
	credit      backend.CreditResult
	creditErr   error
	webhookErr  error
	blockHook   bool // PostWebhook waits for its context
	authCalls   int
	creditCalls int
	webhooks    []backend.Usage
}

func okBackend() *fakeBackend {
	return &fakeBackend{
		auth:   backend.AuthResult{OK: true},
		credit: backend.CreditResult{OK: true, Remaining: 5},
	}
}

func (f *fakeBackend) Authenticate(context.Context, string, string) (backend.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.auth, f.authErr
}

func (f *fakeBackend) CheckCredit(context.Context, string) (backend.CreditResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creditCalls++
	return f.credit, f.creditErr
}

func (f *fakeBackend) PostWebhook(ctx context.Context, u backend.Usage) error {
	f.mu.Lock()
	f.webhooks = append(f.webhooks, u)
	block, err := f.blockHook, f.webhookErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeBackend) counts() (auth, credit, webhook int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.creditCalls, len(f.webhooks)
}

type fakeProvider struct {
	mu    sync.Mutex
	out   provider.Output
	err   error
	calls int
	ctxs  []context.Context
	errs  []error // ctx.Err() observed at call time
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, _ provider.Input) (provider.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxs = append(f.ctxs, ctx)
	f.errs = append(f.errs, ctx.Err())
	return f.out, f.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu    sync.Mutex
	err   error
	saved []provider.Output
}

func (f *fakeStore) Save(_ context.Context, userID, catalogID string, out provider.Output) (storage.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.Artifact{}, f.err
	}
	f.saved = append(f.saved, out)
	return storage.Artifact{URL: "/media/" + storage.FileName(userID, catalogID, 1)}, nil
}

type memRecorder struct {
	mu      sync.Mutex
	entries []logging.Entry
}

func (m *memRecorder) Record(e logging.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) all() []logging.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Entry(nil), m.entries...)
}
