// Package ratelimit applies the ordered active rule set to each request
// using sliding-window counters. Rules compose by conjunction: one over-limit
// rule denies, and a denied request increments no buckets.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CRUD errors.
var (
	ErrRuleMissing = errors.New("rate limit rule not found")
	ErrNameExists  = errors.New("a rule with this name already exists")
)

// Store is the durable half of the rule set.
type Store interface {
	CreateRule(ctx context.Context, r *Rule) error
	UpdateRule(ctx context.Context, r *Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*Rule, error)
}

// Request carries the attributes rules select on.
type Request struct {
	Path     string
	Method   string
	UserID   string
	ClientIP string
	RouteID  string
}

// Verdict is the evaluation outcome plus the meter snapshot for response
// headers. Applied is false when no rule selected the request; headers are
// then omitted.
type Verdict struct {
	Allowed    bool
	Applied    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	DeniedRule string
}

// Engine evaluates the rule set. The evaluate path serializes peek+commit so
// the test-then-commit discipline is atomic with respect to concurrent
// evaluations on the same keys.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	store   Store
	enabled bool

	evalMu   sync.Mutex
	counters CounterStore
}

// NewEngine creates an engine. store may be nil (in-memory rules only);
// counters defaults to a local store when nil.
func NewEngine(store Store, counters CounterStore, enabled bool) *Engine {
	if counters == nil {
		counters = NewLocalCounterStore()
	}
	return &Engine{
		rules:    make(map[string]*Rule),
		store:    store,
		counters: counters,
		enabled:  enabled,
	}
}

// Load replaces the in-memory rule set from the store. Called at boot.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rows, err := e.store.ListRules(ctx)
	if err != nil {
		return err
	}
	rules := make(map[string]*Rule, len(rows))
	for _, r := range rows {
		if err := r.compile(); err != nil {
			return err
		}
		rules[r.ID] = r
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Evaluate applies every selecting rule to the request. All selected buckets
// are peeked first; only when every rule is under budget are they committed.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (*Verdict, error) {
	if !e.enabled {
		return &Verdict{Allowed: true}, nil
	}

	type selected struct {
		rule *Rule
		key  string
	}

	e.mu.RLock()
	var sel []selected
	for _, r := range e.rules {
		if key, ok := r.selects(req); ok {
			sel = append(sel, selected{rule: r, key: key})
		}
	}
	e.mu.RUnlock()

	if len(sel) == 0 {
		return &Verdict{Allowed: true}, nil
	}

	now := time.Now()

	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	// Test phase: find the tightest denial, if any.
	var denied *selected
	var deniedReset time.Time
	for i := range sel {
		s := &sel[i]
		estimate, reset, err := e.counters.Peek(ctx, s.key, s.rule.Window(), now)
		if err != nil {
			return nil, err
		}
		if estimate >= float64(s.rule.MaxRequests) {
			// The tightest (smallest-budget) denying rule drives the headers.
			if denied == nil || s.rule.MaxRequests < denied.rule.MaxRequests {
				denied = s
				deniedReset = reset
			}
		}
	}

	if denied != nil {
		retryAfter := time.Until(deniedReset)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return &Verdict{
			Allowed:    false,
			Applied:    true,
			Limit:      denied.rule.MaxRequests,
			Remaining:  0,
			Reset:      deniedReset,
			RetryAfter: retryAfter,
			DeniedRule: denied.rule.Name,
		}, nil
	}

	// Commit phase: increment every selected bucket.
	verdict := &Verdict{Allowed: true, Applied: true, Remaining: math.MaxInt}
	for i := range sel {
		s := &sel[i]
		estimate, reset, err := e.counters.Incr(ctx, s.key, s.rule.Window(), now)
		if err != nil {
			return nil, err
		}
		remaining := int(float64(s.rule.MaxRequests) - estimate)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < verdict.Remaining {
			verdict.Remaining = remaining
			verdict.Limit = s.rule.MaxRequests
			verdict.Reset = reset
		}
	}
	return verdict, nil
}

// Create validates and inserts a new rule.
func (e *Engine) Create(ctx context.Context, r *Rule) (*Rule, error) {
	r.Name = normalizeName(r.Name)
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := r.compile(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.nameTakenLocked(r.Name, r.ID) {
		return nil, ErrNameExists
	}
	if e.store != nil {
		if err := e.store.CreateRule(ctx, r); err != nil {
			return nil, err
		}
	}
	e.rules[r.ID] = r
	return r.clone(), nil
}

// Update replaces a rule's mutable fields and bumps UpdatedAt.
func (e *Engine) Update(ctx context.Context, r *Rule) (*Rule, error) {
	r.Name = normalizeName(r.Name)
	if err := r.compile(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.rules[r.ID]
	if !ok {
		return nil, ErrRuleMissing
	}
	if e.nameTakenLocked(r.Name, r.ID) {
		return nil, ErrNameExists
	}

	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	if e.store != nil {
		if err := e.store.UpdateRule(ctx, r); err != nil {
			return nil, err
		}
	}
	e.rules[r.ID] = r
	return r.clone(), nil
}

// Delete removes a rule by id.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return ErrRuleMissing
	}
	if e.store != nil {
		if err := e.store.DeleteRule(ctx, id); err != nil {
			return err
		}
	}
	delete(e.rules, id)
	return nil
}

// Get returns a rule by id.
func (e *Engine) Get(id string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return nil, ErrRuleMissing
	}
	return r.clone(), nil
}

// List returns all rules ordered by name.
func (e *Engine) List() []*Rule {
	e.mu.RLock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) nameTakenLocked(name, excludeID string) bool {
	for _, r := range e.rules {
		if r.ID != excludeID && r.Name == name {
			return true
		}
	}
	return false
}
