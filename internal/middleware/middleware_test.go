package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prismgate/gateway/internal/reqctx"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := NewChain(tag("a"), tag("b")).Append(tag("c")).Then(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"a", "b", "c", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRequestIDSeedsContext(t *testing.T) {
	var seen *reqctx.Context
	var captured reqctx.Context

	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = reqctx.FromRequest(r)
		captured = *seen
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "198.51.100.9:1234"
	h.ServeHTTP(w, req)

	if seen == nil {
		t.Fatal("context not injected")
	}
	if captured.RequestID == "" || captured.RequestID != w.Header().Get("X-Gateway-Request-ID") {
		t.Errorf("request id = %q, header = %q", captured.RequestID, w.Header().Get("X-Gateway-Request-ID"))
	}
	if captured.ClientIP != "198.51.100.9" {
		t.Errorf("client ip = %q", captured.ClientIP)
	}
	if captured.Start.IsZero() {
		t.Error("start time must be set")
	}
}

func TestCORSPreflightAndPassthrough(t *testing.T) {
	h := CORS(CORSConfig{
		Origins: []string{"https://app.example.com"},
		Methods: []string{"GET", "POST"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/x", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
			t.Error("allow-origin missing")
		}
		if w.Header().Get("Access-Control-Allow-Methods") != "GET, POST" {
			t.Errorf("allow-methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("disallowed origin must get no CORS headers")
		}
		if w.Code != http.StatusOK {
			t.Errorf("non-preflight request still passes through, status = %d", w.Code)
		}
	})

	t.Run("no origin header", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func TestLoadShed(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)

	h := LoadShed(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))

	go h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a", nil))
	<-entered

	// Second concurrent request is shed before any work.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/b", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("shed responses should hint a retry")
	}

	close(release)

	// Capacity frees up again.
	recovered := false
	for i := 0; i < 200; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/c", nil))
		if w.Code == http.StatusOK {
			recovered = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !recovered {
		t.Fatal("capacity never recovered after the in-flight request finished")
	}
}

func TestLoadShedDisabled(t *testing.T) {
	called := false
	h := LoadShed(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Error("zero limit must disable shedding")
	}
}

func TestCORSDisabledIsPassthrough(t *testing.T) {
	called := false
	h := CORS(CORSConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("without configured origins the middleware must not intercept")
	}
}
