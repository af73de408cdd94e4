package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/prismgate/gateway/internal/admin"
	"github.com/prismgate/gateway/internal/auth"
	"github.com/prismgate/gateway/internal/circuitbreaker"
	"github.com/prismgate/gateway/internal/health"
	"github.com/prismgate/gateway/internal/logsink"
	"github.com/prismgate/gateway/internal/metrics"
	"github.com/prismgate/gateway/internal/middleware"
	"github.com/prismgate/gateway/internal/proxy"
	"github.com/prismgate/gateway/internal/ratelimit"
	"github.com/prismgate/gateway/internal/reqctx"
	"github.com/prismgate/gateway/internal/routing"
)

const testSecret = "pipeline-test-secret"

type testHarness struct {
	handler    http.Handler
	table      *routing.Table
	engine     *ratelimit.Engine
	breakers   *circuitbreaker.Registry
	supervisor *health.Supervisor
	sink       *logsink.Sink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	verifier, err := auth.New(auth.Config{Secret: testSecret, Algorithm: "HS256"})
	if err != nil {
		t.Fatal(err)
	}

	table := routing.NewTable(nil)
	engine := ratelimit.NewEngine(nil, nil, true)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      100 * time.Millisecond,
	})
	supervisor := health.NewSupervisor(health.Config{Interval: time.Hour, Timeout: time.Second}, nil, nil)
	t.Cleanup(supervisor.Stop)
	sink := logsink.NewSink(logsink.Config{BufferSize: 256, FlushInterval: time.Hour}, nil)
	t.Cleanup(sink.Close)
	collector := metrics.NewCollector(sink.Dropped)

	adminAPI := admin.New(table, engine, breakers, supervisor, sink, collector, verifier)

	gw := New(Config{
		Table:          table,
		Verifier:       verifier,
		Engine:         engine,
		Breakers:       breakers,
		Supervisor:     supervisor,
		Dispatcher:     proxy.New(proxy.Config{}),
		Sink:           sink,
		Collector:      collector,
		AdminHandler:   adminAPI.Handler(),
		AdminPrefix:    admin.Prefix,
		BreakerEnabled: true,
	})

	trusted, _ := reqctx.NewTrustedProxies(nil)
	chain := middleware.NewChain(middleware.RequestID(trusted), middleware.Recovery())

	return &testHarness{
		handler:    chain.Then(gw),
		table:      table,
		engine:     engine,
		breakers:   breakers,
		supervisor: supervisor,
		sink:       sink,
	}
}

func (h *testHarness) addRoute(t *testing.T, r *routing.Route) *routing.Route {
	t.Helper()
	created, err := h.table.Create(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	return created
}

func (h *testHarness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *testHarness) lastLog(t *testing.T) *logsink.Record {
	t.Helper()
	recs, err := h.sink.Query(context.Background(), logsink.Query{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) == 0 {
		t.Fatal("no log record emitted")
	}
	return recs[0]
}

func userToken(t *testing.T, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"roles": []string{"user"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestForwardScenario(t *testing.T) {
	var seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":7}`))
	}))
	defer upstream.Close()

	h := newHarness(t)
	h.addRoute(t, &routing.Route{
		Pattern:       "/api/v1/auth/*",
		Methods:       []string{"GET", "POST"},
		TargetService: "auth",
		TargetBaseURL: upstream.URL,
		Priority:      10,
		TimeoutMS:     2000,
		Active:        true,
	})

	w := h.do(httptest.NewRequest("GET", "/api/v1/auth/users/7", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if seenPath != "/api/v1/auth/users/7" {
		t.Errorf("upstream path = %q", seenPath)
	}
	if w.Header().Get("X-Gateway-Request-ID") == "" {
		t.Error("response must carry X-Gateway-Request-ID")
	}
	if w.Body.String() != `{"id":7}` {
		t.Errorf("body = %q", w.Body.String())
	}

	rec := h.lastLog(t)
	if rec.StatusCode != 200 || rec.TargetService != "auth" || rec.Path != "/api/v1/auth/users/7" {
		t.Errorf("log record = %+v", rec)
	}
}

func TestMethodNotAllowedScenario(t *testing.T) {
	h := newHarness(t)
	h.addRoute(t, &routing.Route{
		Pattern:       "/api/v1/auth/*",
		Methods:       []string{"GET", "POST"},
		TargetService: "auth",
		TargetBaseURL: "http://auth:8002",
		Active:        true,
	})

	w := h.do(httptest.NewRequest("DELETE", "/api/v1/auth/users/7", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q", got)
	}
	if rec := h.lastLog(t); rec.StatusCode != 405 {
		t.Errorf("405 must be logged, got %+v", rec)
	}
}

func TestNotFoundLogged(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/nope", "/"} {
		w := h.do(httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}

	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	w := h.do(httptest.NewRequest("GET", "/missing", nil))
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "ROUTE_NOT_FOUND" || envelope.Error.RequestID == "" {
		t.Errorf("error envelope = %+v", envelope)
	}

	if rec := h.lastLog(t); rec.StatusCode != 404 || rec.MatchedRouteID != "" {
		t.Errorf("404 log record = %+v", rec)
	}
}

func TestAuthGate(t *testing.T) {
	var gotUser, gotEmail string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Gateway-User-ID")
		gotEmail = r.Header.Get("X-Gateway-User-Email")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t)
	h.addRoute(t, &routing.Route{
		Pattern:       "/api/v1/orders/*",
		Methods:       []string{"*"},
		TargetService: "orders",
		TargetBaseURL: upstream.URL,
		AuthRequired:  true,
		Active:        true,
	})

	t.Run("missing token", func(t *testing.T) {
		w := h.do(httptest.NewRequest("GET", "/api/v1/orders/1", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Error("401 must carry WWW-Authenticate")
		}
	})

	t.Run("valid token forwards identity", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/orders/1", nil)
		req.Header.Set("Authorization", "Bearer "+userToken(t, "u-9"))
		w := h.do(req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if gotUser != "u-9" || gotEmail != "u-9@example.com" {
			t.Errorf("identity headers: user=%q email=%q", gotUser, gotEmail)
		}
		if rec := h.lastLog(t); rec.UserID != "u-9" {
			t.Errorf("log must carry user_id, got %+v", rec)
		}
	})
}

func TestRateLimitScenario(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t)
	h.addRoute(t, &routing.Route{
		Pattern:       "/api/v1/content/*",
		Methods:       []string{"*"},
		TargetService: "content",
		TargetBaseURL: upstream.URL,
		Active:        true,
	})
	if _, err := h.engine.Create(context.Background(), &ratelimit.Rule{
		Name: "per-ip", Scope: ratelimit.ScopePerIP, Pattern: "/api/v1/*",
		MaxRequests: 5, WindowSeconds: 60, Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Create(context.Background(), &ratelimit.Rule{
		Name: "global", Scope: ratelimit.ScopeGlobal,
		MaxRequests: 1000, WindowSeconds: 60, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	newReq := func() *http.Request {
		req := httptest.NewRequest("GET", "/api/v1/content/items", nil)
		req.RemoteAddr = "1.2.3.4:50000"
		return req
	}

	for i := 1; i <= 5; i++ {
		w := h.do(newReq())
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") == "" {
			t.Error("allowed responses must carry rate limit headers when rules applied")
		}
	}

	w := h.do(newReq())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request 6: status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %q, want 5", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want 1..60", w.Header().Get("Retry-After"))
	}
	if rec := h.lastLog(t); rec.ErrorMessage != "rate_limited:per-ip" {
		t.Errorf("log error_message = %q", rec.ErrorMessage)
	}
}

func TestBreakerScenario(t *testing.T) {
	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h := newHarness(t)
	h.addRoute(t, &routing.Route{
		Pattern:               "/api/v1/flaky/*",
		Methods:               []string{"*"},
		TargetService:         "flaky",
		TargetBaseURL:         upstream.URL,
		CircuitBreakerEnabled: true,
		TimeoutMS:             2000,
		Active:                true,
	})

	// Three 500s open the breaker; each passes through as 500.
	for i := 0; i < 3; i++ {
		if w := h.do(httptest.NewRequest("GET", "/api/v1/flaky/x", nil)); w.Code != http.StatusInternalServerError {
			t.Fatalf("warmup %d: status = %d", i, w.Code)
		}
	}
	callsAfterOpen := upstreamCalls.Load()

	w := h.do(httptest.NewRequest("GET", "/api/v1/flaky/x", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("open breaker: status = %d, want 503", w.Code)
	}
	if upstreamCalls.Load() != callsAfterOpen {
		t.Error("open breaker must not dispatch")
	}
	if rec := h.lastLog(t); rec.ErrorMessage != "circuit_open" {
		t.Errorf("log error_message = %q", rec.ErrorMessage)
	}

	if h.breakers.State("flaky") != circuitbreaker.StateOpen {
		t.Fatal("breaker must be open")
	}
}

func TestUpstreamFailureSurfaces(t *testing.T) {
	h := newHarness(t)

	// Connection refused.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	h.addRoute(t, &routing.Route{
		Pattern:       "/api/v1/gone/*",
		Methods:       []string{"*"},
		TargetService: "gone",
		TargetBaseURL: deadURL,
		TimeoutMS:     500,
		Active:        true,
	})

	w := h.do(httptest.NewRequest("GET", "/api/v1/gone/x", nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("connect error: status = %d, want 502", w.Code)
	}

	// Timeout.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	h.addRoute(t, &routing.Route{
		Pattern:       "/api/v1/slow/*",
		Methods:       []string{"*"},
		TargetService: "slow",
		TargetBaseURL: slow.URL,
		TimeoutMS:     50,
		Active:        true,
	})

	w = h.do(httptest.NewRequest("GET", "/api/v1/slow/x", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("timeout: status = %d, want 504", w.Code)
	}
}

func TestManagementPrefixNeverProxied(t *testing.T) {
	h := newHarness(t)
	// A catch-all route that would shadow the management prefix if the
	// pipeline did not short-circuit it.
	h.addRoute(t, &routing.Route{
		Pattern:       "/api/*",
		Methods:       []string{"*"},
		TargetService: "catchall",
		TargetBaseURL: "http://catchall:9999",
		Active:        true,
	})

	w := h.do(httptest.NewRequest("GET", "/api/v1/gateway/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("management health: status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] == nil {
		t.Errorf("health body = %v", body)
	}
}

func TestEveryRequestLoggedOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t)
	h.addRoute(t, &routing.Route{
		Pattern:       "/api/v1/ok/*",
		Methods:       []string{"GET"},
		TargetService: "ok",
		TargetBaseURL: upstream.URL,
		Active:        true,
	})

	h.do(httptest.NewRequest("GET", "/api/v1/ok/1", nil))  // 200
	h.do(httptest.NewRequest("POST", "/api/v1/ok/1", nil)) // 405
	h.do(httptest.NewRequest("GET", "/elsewhere", nil))    // 404

	recs, err := h.sink.Query(context.Background(), logsink.Query{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("log records = %d, want exactly 3", len(recs))
	}
}

func TestPanicBecomes500(t *testing.T) {
	panicking := middleware.NewChain(
		middleware.RequestID(nil),
		middleware.Recovery(),
	).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	panicking.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "INTERNAL" {
		t.Errorf("panic envelope = %+v", envelope)
	}
}
