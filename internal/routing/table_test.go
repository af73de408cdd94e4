package routing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newRoute(id, pat string, methods []string, priority int) *Route {
	return &Route{
		ID:            id,
		Pattern:       pat,
		Methods:       methods,
		TargetService: "svc-" + id,
		TargetBaseURL: "http://backend:9000",
		Priority:      priority,
		TimeoutMS:     5000,
		Active:        true,
	}
}

func mustCreate(t *testing.T, tbl *Table, r *Route) *Route {
	t.Helper()
	created, err := tbl.Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create(%s): %v", r.Pattern, err)
	}
	return created
}

func TestResolve(t *testing.T) {
	tbl := NewTable(nil)
	mustCreate(t, tbl, newRoute("auth", "/api/v1/auth/*", []string{"GET", "POST"}, 10))
	mustCreate(t, tbl, newRoute("content", "/api/v1/content/*", []string{"*"}, 10))
	mustCreate(t, tbl, newRoute("exact", "/api/v1/auth/login", []string{"POST"}, 20))

	t.Run("wildcard suffix match", func(t *testing.T) {
		r, err := tbl.Resolve("/api/v1/auth/users/7", "GET")
		if err != nil {
			t.Fatal(err)
		}
		if r.ID != "auth" {
			t.Errorf("got route %s, want auth", r.ID)
		}
	})

	t.Run("higher priority wins", func(t *testing.T) {
		r, err := tbl.Resolve("/api/v1/auth/login", "POST")
		if err != nil {
			t.Fatal(err)
		}
		if r.ID != "exact" {
			t.Errorf("got route %s, want exact", r.ID)
		}
	})

	t.Run("method wildcard", func(t *testing.T) {
		r, err := tbl.Resolve("/api/v1/content/items", "PATCH")
		if err != nil {
			t.Fatal(err)
		}
		if r.ID != "content" {
			t.Errorf("got route %s, want content", r.ID)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := tbl.Resolve("/api/v2/missing", "GET"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("empty and root paths", func(t *testing.T) {
		if _, err := tbl.Resolve("", "GET"); !errors.Is(err, ErrNotFound) {
			t.Errorf("empty path: got %v, want ErrNotFound", err)
		}
		if _, err := tbl.Resolve("/", "GET"); !errors.Is(err, ErrNotFound) {
			t.Errorf("root path: got %v, want ErrNotFound", err)
		}
	})

	t.Run("method not allowed lists methods", func(t *testing.T) {
		_, err := tbl.Resolve("/api/v1/auth/users/7", "DELETE")
		var mna *MethodNotAllowedError
		if !errors.As(err, &mna) {
			t.Fatalf("got %v, want MethodNotAllowedError", err)
		}
		if len(mna.Allowed) != 2 || mna.Allowed[0] != "GET" || mna.Allowed[1] != "POST" {
			t.Errorf("allowed = %v, want [GET POST]", mna.Allowed)
		}
	})
}

func TestResolveTieBreaks(t *testing.T) {
	tbl := NewTable(nil)
	mustCreate(t, tbl, newRoute("older", "/api/v1/items/*", []string{"GET"}, 5))
	newer := mustCreate(t, tbl, newRoute("newer", "/api/v1/*/42", []string{"GET"}, 5))

	// Force distinct timestamps regardless of clock granularity.
	tbl.mu.Lock()
	tbl.routes["older"].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	tbl.routes["newer"].UpdatedAt = time.Now().UTC()
	tbl.mu.Unlock()
	tbl.cache.Purge()

	r, err := tbl.Resolve("/api/v1/items/42", "GET")
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != newer.ID {
		t.Errorf("equal priority should prefer younger updated_at, got %s", r.ID)
	}

	// Equal priority and timestamp: lexicographic pattern is the stable tiebreak.
	now := time.Now().UTC()
	tbl.mu.Lock()
	tbl.routes["older"].UpdatedAt = now
	tbl.routes["newer"].UpdatedAt = now
	tbl.mu.Unlock()
	tbl.cache.Purge()

	r, err = tbl.Resolve("/api/v1/items/42", "GET")
	if err != nil {
		t.Fatal(err)
	}
	if r.Pattern != "/api/v1/*/42" {
		t.Errorf("lexicographic tiebreak: got %s", r.Pattern)
	}
}

func TestActivePatternUniqueness(t *testing.T) {
	tbl := NewTable(nil)
	mustCreate(t, tbl, newRoute("a", "/api/v1/users/*", []string{"GET"}, 1))

	dup := newRoute("b", "/api/v1/users/*", []string{"POST"}, 2)
	if _, err := tbl.Create(context.Background(), dup); !errors.Is(err, ErrPatternExists) {
		t.Fatalf("duplicate active pattern: got %v, want ErrPatternExists", err)
	}

	// An inactive duplicate is allowed.
	inactive := newRoute("c", "/api/v1/users/*", []string{"POST"}, 2)
	inactive.Active = false
	if _, err := tbl.Create(context.Background(), inactive); err != nil {
		t.Fatalf("inactive duplicate rejected: %v", err)
	}

	// Reactivating it collides again.
	inactive.Active = true
	if _, err := tbl.Update(context.Background(), inactive); !errors.Is(err, ErrPatternExists) {
		t.Fatalf("reactivate duplicate: got %v, want ErrPatternExists", err)
	}
}

func TestInactiveRoutesNeverMatch(t *testing.T) {
	tbl := NewTable(nil)
	r := newRoute("a", "/api/v1/users", []string{"GET"}, 1)
	r.Active = false
	mustCreate(t, tbl, r)

	if _, err := tbl.Resolve("/api/v1/users", "GET"); !errors.Is(err, ErrNotFound) {
		t.Errorf("inactive route matched: %v", err)
	}
}

func TestDeleteIdempotentError(t *testing.T) {
	tbl := NewTable(nil)
	mustCreate(t, tbl, newRoute("a", "/api/v1/users", []string{"GET"}, 1))

	if err := tbl.Delete(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	first := tbl.Delete(context.Background(), "a")
	second := tbl.Delete(context.Background(), "a")
	if !errors.Is(first, ErrRouteMissing) || !errors.Is(second, ErrRouteMissing) {
		t.Errorf("repeated delete: got %v then %v, want ErrRouteMissing both times", first, second)
	}
}

func TestResolveCacheInvalidation(t *testing.T) {
	tbl := NewTable(nil)
	created := mustCreate(t, tbl, newRoute("a", "/api/v1/users", []string{"GET"}, 1))

	if _, err := tbl.Resolve("/api/v1/users", "GET"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Delete(context.Background(), created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Resolve("/api/v1/users", "GET"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale cache entry served after delete: %v", err)
	}
}

func TestCreateRoundTrip(t *testing.T) {
	tbl := NewTable(nil)
	in := newRoute("", "/api/v1/orders/*", []string{"get", "post"}, 3)
	created := mustCreate(t, tbl, in)

	if created.ID == "" {
		t.Fatal("server must assign an id")
	}
	got, err := tbl.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pattern != "/api/v1/orders/*" || got.Priority != 3 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	// Methods are normalized to uppercase.
	if got.Methods[0] != "GET" || got.Methods[1] != "POST" {
		t.Errorf("methods not normalized: %v", got.Methods)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps must be set")
	}
}

func TestValidation(t *testing.T) {
	tbl := NewTable(nil)
	tests := []struct {
		name string
		mut  func(*Route)
	}{
		{"bad pattern", func(r *Route) { r.Pattern = "no-slash" }},
		{"no methods", func(r *Route) { r.Methods = nil }},
		{"no service", func(r *Route) { r.TargetService = "" }},
		{"bad base url", func(r *Route) { r.TargetBaseURL = "not-a-url" }},
		{"trailing slash base url", func(r *Route) { r.TargetBaseURL = "http://b:1/" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRoute("", "/api/v1/x", []string{"GET"}, 1)
			tt.mut(r)
			if _, err := tbl.Create(context.Background(), r); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
