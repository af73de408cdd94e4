// Package routing stores route records and resolves (path, method) pairs to
// the winning route. The in-memory table is the source for the hot path; a
// Store, when present, holds the durable rows and is written through on every
// mutation.
package routing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Sentinel resolve outcomes.
var (
	// ErrNotFound: no active route pattern matches the path.
	ErrNotFound = errors.New("no route matches path")
	// ErrRouteMissing: CRUD target id does not exist.
	ErrRouteMissing = errors.New("route not found")
	// ErrPatternExists: an active route already owns the pattern.
	ErrPatternExists = errors.New("an active route with this pattern already exists")
)

// MethodNotAllowedError is returned when patterns match the path but none
// accepts the method.
type MethodNotAllowedError struct {
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return "method not allowed, allowed: " + strings.Join(e.Allowed, ", ")
}

// Store is the durable half of the table. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateRoute(ctx context.Context, r *Route) error
	UpdateRoute(ctx context.Context, r *Route) error
	DeleteRoute(ctx context.Context, id string) error
	ListRoutes(ctx context.Context) ([]*Route, error)
}

const resolveCacheSize = 4096

// Table is the routing table. Resolve takes a read lock only; mutations
// write through to the store and invalidate the resolve cache wholesale.
type Table struct {
	mu     sync.RWMutex
	routes map[string]*Route
	store  Store
	cache  *lru.Cache[string, string] // "METHOD path" → route id
}

// NewTable creates an empty table. store may be nil for a purely in-memory
// table (tests, embedded use).
func NewTable(store Store) *Table {
	cache, _ := lru.New[string, string](resolveCacheSize)
	return &Table{
		routes: make(map[string]*Route),
		store:  store,
		cache:  cache,
	}
}

// Load replaces the in-memory table with the store's rows. Called at boot.
func (t *Table) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	rows, err := t.store.ListRoutes(ctx)
	if err != nil {
		return err
	}
	routes := make(map[string]*Route, len(rows))
	for _, r := range rows {
		if err := r.compile(); err != nil {
			return err
		}
		routes[r.ID] = r
	}
	t.mu.Lock()
	t.routes = routes
	t.mu.Unlock()
	t.cache.Purge()
	return nil
}

// Resolve evaluates all active routes whose pattern matches path, keeps
// those accepting method, and returns the winner by priority. Ties break by
// most recent UpdatedAt, then lexicographic pattern. Returns ErrNotFound or
// *MethodNotAllowedError otherwise.
func (t *Table) Resolve(path, method string) (*Route, error) {
	cacheKey := method + " " + path
	if id, ok := t.cache.Get(cacheKey); ok {
		t.mu.RLock()
		r, live := t.routes[id]
		t.mu.RUnlock()
		if live && r.Active {
			return r.clone(), nil
		}
	}

	t.mu.RLock()
	var matched []*Route
	var allowed map[string]bool
	for _, r := range t.routes {
		if !r.Active || !r.matches(path) {
			continue
		}
		if r.AllowsMethod(method) {
			matched = append(matched, r)
			continue
		}
		if allowed == nil {
			allowed = make(map[string]bool)
		}
		for _, m := range r.Methods {
			allowed[m] = true
		}
	}
	t.mu.RUnlock()

	if len(matched) == 0 {
		if allowed != nil {
			methods := make([]string, 0, len(allowed))
			for m := range allowed {
				methods = append(methods, m)
			}
			sort.Strings(methods)
			return nil, &MethodNotAllowedError{Allowed: methods}
		}
		return nil, ErrNotFound
	}

	winner := matched[0]
	for _, r := range matched[1:] {
		if routeLess(winner, r) {
			winner = r
		}
	}

	t.cache.Add(cacheKey, winner.ID)
	return winner.clone(), nil
}

// routeLess reports whether b beats a under the resolution ordering.
func routeLess(a, b *Route) bool {
	if a.Priority != b.Priority {
		return b.Priority > a.Priority
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return b.UpdatedAt.After(a.UpdatedAt)
	}
	return b.Pattern < a.Pattern
}

// Create validates and inserts a new route. Server-assigned fields (id,
// timestamps) are set here.
func (t *Table) Create(ctx context.Context, r *Route) (*Route, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := r.compile(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Active && t.activePatternTakenLocked(r.Pattern, r.ID) {
		return nil, ErrPatternExists
	}
	if t.store != nil {
		if err := t.store.CreateRoute(ctx, r); err != nil {
			return nil, err
		}
	}
	t.routes[r.ID] = r
	t.cache.Purge()
	return r.clone(), nil
}

// Update replaces an existing route's mutable fields and bumps UpdatedAt.
func (t *Table) Update(ctx context.Context, r *Route) (*Route, error) {
	if err := r.compile(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.routes[r.ID]
	if !ok {
		return nil, ErrRouteMissing
	}
	if r.Active && t.activePatternTakenLocked(r.Pattern, r.ID) {
		return nil, ErrPatternExists
	}

	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	if t.store != nil {
		if err := t.store.UpdateRoute(ctx, r); err != nil {
			return nil, err
		}
	}
	t.routes[r.ID] = r
	t.cache.Purge()
	return r.clone(), nil
}

// Delete removes a route. Deleting an unknown id returns ErrRouteMissing,
// and keeps returning it on re-application.
func (t *Table) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[id]; !ok {
		return ErrRouteMissing
	}
	if t.store != nil {
		if err := t.store.DeleteRoute(ctx, id); err != nil {
			return err
		}
	}
	delete(t.routes, id)
	t.cache.Purge()
	return nil
}

// Get returns a route by id.
func (t *Table) Get(id string) (*Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[id]
	if !ok {
		return nil, ErrRouteMissing
	}
	return r.clone(), nil
}

// List returns all routes, optionally only active ones, ordered by pattern.
func (t *Table) List(activeOnly bool) []*Route {
	t.mu.RLock()
	out := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r.clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// Services returns the distinct (service, base URL) pairs of active routes,
// for health-supervisor registration.
func (t *Table) Services() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string)
	for _, r := range t.routes {
		if r.Active {
			out[r.TargetService] = r.TargetBaseURL
		}
	}
	return out
}

func (t *Table) activePatternTakenLocked(pat, excludeID string) bool {
	for _, r := range t.routes {
		if r.ID != excludeID && r.Active && r.Pattern == pat {
			return true
		}
	}
	return false
}
