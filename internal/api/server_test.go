package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/image-registry-checker/internal/checker"
	"github.com/JakeFAU/image-registry-checker/internal/config"
)

func TestServer_Health(t *testing.T) {
	t.Parallel()

	fake := newFakeChecker()
	server := NewServer(fake, testConfig(), "test", zap.NewNop())

	rec := serve(server, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Ok", rec.Body.String())
	require.Zero(t, fake.callCount())
}

func TestServer_HealthIgnoresCheckerState(t *testing.T) {
	t.Parallel()

	fake := newFakeChecker()
	fake.fallback = result{outcome: checker.LookupFailed, err: checker.ErrLookupFailed}
	server := NewServer(fake, testConfig(), "test", zap.NewNop())

	rec := serve(server, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Ok", rec.Body.String())
	require.Zero(t, fake.callCount())
}

func TestServer_ExistsFound(t *testing.T) {
	t.Parallel()

	fake := newFakeChecker()
	fake.results["docker.io/alpine"] = result{outcome: checker.Exists}
	server := NewServer(fake, testConfig(), "test", zap.NewNop())

	rec := serve(server, "/exists?image=docker.io/alpine")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.Equal(t, []string{"docker.io/alpine"}, fake.images())
}

func TestServer_ExistsNotFound(t *testing.T) {
	t.Parallel()

	fake := newFakeChecker()
	server := NewServer(fake, testConfig(), "test", zap.NewNop())

	rec := serve(server, "/exists?image=docker.io/this-image-does-not-exist-xyz")

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Image docker.io/this-image-does-not-exist-xyz does not exist", rec.Body.String())
}

func TestServer_ExistsLookupFailed(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	fake := newFakeChecker()
	spawnErr := fmt.Errorf("%w: start crane: exec: \"crane\": executable file not found in $PATH", checker.ErrLookupFailed)
	fake.fallback = result{outcome: checker.LookupFailed, err: spawnErr}
	server := NewServer(fake, testConfig(), "test", zap.New(core))

	rec := serve(server, "/exists?image=docker.io/alpine")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, rec.Body.String())

	failures := logs.FilterMessage("image lookup failed").All()
	require.Len(t, failures, 1)
	require.Equal(t, zapcore.ErrorLevel, failures[0].Level)
	require.Contains(t, failures[0].ContextMap()["error"], "executable file not found")

	requests := logs.FilterMessage("request completed").All()
	require.Len(t, requests, 1)
	require.Equal(t, zapcore.ErrorLevel, requests[0].Level)
}

func TestServer_RequestLogFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	server := NewServer(newFakeChecker(), testConfig(), "test", zap.New(core))

	rec := serve(server, "/exists?image=docker.io/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	entry := entries[0]
	require.Equal(t, zapcore.InfoLevel, entry.Level)
	fields := entry.ContextMap()
	require.Equal(t, http.MethodGet, fields["method"])
	require.Equal(t, "/exists", fields["path"])
	require.EqualValues(t, http.StatusNotFound, fields["status"])
	require.Contains(t, fields, "duration")
	require.Equal(t, rec.Header().Get("X-Request-ID"), fields["request_id"])
}

func TestServer_ExistsQueryErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
	}{
		{"missing parameter", "/exists"},
		{"other parameter only", "/exists?img=docker.io/alpine"},
		{"malformed escape", "/exists?image=%zz"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := newFakeChecker()
			server := NewServer(fake, testConfig(), "test", zap.NewNop())

			rec := serve(server, tt.target)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Zero(t, fake.callCount())
		})
	}
}

func TestServer_ExistsPassesImageThrough(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target string
		want   string
	}{
		{"/exists?image=", ""},
		{"/exists?image=docker.io%2Fnginx%3Alatest", "docker.io/nginx:latest"},
		{"/exists?image=first&image=second", "first"},
		{"/exists?image=a+b", "a b"},
		{"/exists?image=docker.io/a;b", "docker.io/a;b"},
		{"/exists?image=a;b&image=c", "a;b"},
	}
	for _, tt := range tests {
		fake := newFakeChecker()
		server := NewServer(fake, testConfig(), "test", zap.NewNop())

		rec := serve(server, tt.target)

		require.Equal(t, http.StatusNotFound, rec.Code, tt.target)
		require.Equal(t, []string{tt.want}, fake.images(), tt.target)
	}
}

func TestServer_ExistsUsesRequestContext(t *testing.T) {
	t.Parallel()

	fake := newFakeChecker()
	server := NewServer(fake, testConfig(), "test", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/exists?image=docker.io/alpine", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	fake := newFakeChecker()
	fake.panicWith = "kaboom"
	server := NewServer(fake, testConfig(), "test", zap.New(core))

	rec := serve(server, "/exists?image=docker.io/alpine")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRecoverMiddlewareKeepsStatusAlreadySent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	h := recoverMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("partial"))
		panic("late failure")
	}))

	rec := &headerCountingRecorder{ResponseRecorder: httptest.NewRecorder()}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/exists?image=x", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, rec.writeHeaderCalls)
	require.Equal(t, "partial", rec.Body.String())
	entries := logs.FilterMessage("panic recovered").All()
	require.Len(t, entries, 1)
	require.Equal(t, true, entries[0].ContextMap()["headers_sent"])
}

// Not parallel: the request counter is process-wide and other tests also produce 500s.
func TestServer_CountsPanickingRequests(t *testing.T) {
	fake := newFakeChecker()
	fake.panicWith = "kaboom"
	server := NewServer(fake, testConfig(), "test", zap.NewNop())

	before := requestsTotal(t, server, http.MethodGet, http.StatusInternalServerError)
	rec := serve(server, "/exists?image=docker.io/alpine")
	after := requestsTotal(t, server, http.MethodGet, http.StatusInternalServerError)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1.0, after-before)
}

// requestsTotal reads http_requests_total for method and code from the /metrics route.
func requestsTotal(t *testing.T, s *Server, method string, code int) float64 {
	t.Helper()
	prefix := fmt.Sprintf("http_requests_total{code=%q,method=%q} ", strconv.Itoa(code), method)
	for _, line := range strings.Split(serve(s, "/metrics").Body.String(), "\n") {
		if value, ok := strings.CutPrefix(line, prefix); ok {
			v, err := strconv.ParseFloat(value, 64)
			require.NoError(t, err)
			return v
		}
	}
	return 0
}

func TestServer_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeChecker(), testConfig(), "test", zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/exists?image=docker.io/alpine", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeChecker(), testConfig(), "test", zap.NewNop())
	serve(server, "/health")

	rec := serve(server, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIDoc(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	server := NewServer(newFakeChecker(), testConfig(), "9.9.9", zap.New(core))
	require.Zero(t, logs.FilterMessage("api document is invalid").Len())

	rec := serve(server, "/api-doc.json")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	info, ok := doc["info"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "9.9.9", info["version"])
}

func TestServer_SwaggerUI(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeChecker(), testConfig(), "test", zap.NewNop())

	rec := serve(server, "/swagger-ui")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/swagger-ui/", rec.Header().Get("Location"))

	rec = serve(server, "/swagger-ui/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "api-doc.json")
}

func TestServer_DocsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Docs.Enabled = false
	server := NewServer(newFakeChecker(), cfg, "test", zap.NewNop())

	for _, target := range []string{"/api-doc.json", "/swagger-ui", "/swagger-ui/"} {
		rec := serve(server, target)
		require.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeChecker(), testConfig(), "test", zap.NewNop())
	first := serve(server, "/health").Header().Get("X-Request-ID")
	second := serve(server, "/health").Header().Get("X-Request-ID")

	require.NotEmpty(t, first)
	require.NotEqual(t, first, second)
}

func TestRequestIDMiddlewareToleratesGeneratorFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	var seen string
	h := requestIDMiddleware(failingIDs{}, zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, seen)
	require.Empty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, 1, logs.FilterMessage("request id unavailable").Len())
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type result struct {
	outcome checker.Outcome
	err     error
}

type fakeChecker struct {
	mu        sync.Mutex
	results   map[string]result
	fallback  result
	panicWith any
	seen      []string
}

type headerCountingRecorder struct {
	*httptest.ResponseRecorder
	writeHeaderCalls int
}

func (r *headerCountingRecorder) WriteHeader(code int) {
	r.writeHeaderCalls++
	r.ResponseRecorder.WriteHeader(code)
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{
		results:  make(map[string]result),
		fallback: result{outcome: checker.NotFound},
	}
}

func (f *fakeChecker) Check(ctx context.Context, image string) (checker.Outcome, error) {
	f.mu.Lock()
	f.seen = append(f.seen, image)
	res, ok := f.results[image]
	if !ok {
		res = f.fallback
	}
	p := f.panicWith
	f.mu.Unlock()

	if p != nil {
		panic(p)
	}
	if err := ctx.Err(); err != nil {
		return checker.LookupFailed, errors.Join(checker.ErrLookupFailed, err)
	}
	return res.outcome, res.err
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *fakeChecker) images() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{IP: "127.0.0.1", Port: 8080},
		Checker: config.CheckerConfig{Command: "crane", Backend: config.BackendExec},
		Logging: config.LoggingConfig{Level: "info"},
		Docs:    config.DocsConfig{Enabled: true},
	}
}

func serve(s *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}
