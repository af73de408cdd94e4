// Package admin serves the management API under the reserved gateway
// prefix: route and rate-limit CRUD, plus read-only views over services,
// logs, metrics and aggregate health. Writes require an admin-role identity.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/prismgate/gateway/internal/auth"
	"github.com/prismgate/gateway/internal/circuitbreaker"
	gwerrors "github.com/prismgate/gateway/internal/errors"
	"github.com/prismgate/gateway/internal/health"
	"github.com/prismgate/gateway/internal/logging"
	"github.com/prismgate/gateway/internal/logsink"
	"github.com/prismgate/gateway/internal/metrics"
	"github.com/prismgate/gateway/internal/ratelimit"
	"github.com/prismgate/gateway/internal/reqctx"
	"github.com/prismgate/gateway/internal/routing"
)

// Prefix is the reserved management path prefix; requests under it are never
// proxied.
const Prefix = "/api/v1/gateway"

// API is the management surface.
type API struct {
	table      *routing.Table
	engine     *ratelimit.Engine
	breakers   *circuitbreaker.Registry
	supervisor *health.Supervisor
	sink       *logsink.Sink
	collector  *metrics.Collector
	verifier   *auth.Verifier
	handler    http.Handler
}

// New wires the management API.
func New(
	table *routing.Table,
	engine *ratelimit.Engine,
	breakers *circuitbreaker.Registry,
	supervisor *health.Supervisor,
	sink *logsink.Sink,
	collector *metrics.Collector,
	verifier *auth.Verifier,
) *API {
	a := &API{
		table:      table,
		engine:     engine,
		breakers:   breakers,
		supervisor: supervisor,
		sink:       sink,
		collector:  collector,
		verifier:   verifier,
	}

	r := httprouter.New()
	r.GET(Prefix+"/routes", a.admin(a.listRoutes))
	r.POST(Prefix+"/routes", a.admin(a.createRoute))
	r.GET(Prefix+"/routes/:id", a.admin(a.getRoute))
	r.PUT(Prefix+"/routes/:id", a.admin(a.updateRoute))
	r.DELETE(Prefix+"/routes/:id", a.admin(a.deleteRoute))

	r.GET(Prefix+"/rate-limits", a.admin(a.listRules))
	r.POST(Prefix+"/rate-limits", a.admin(a.createRule))
	r.GET(Prefix+"/rate-limits/:id", a.admin(a.getRule))
	r.PUT(Prefix+"/rate-limits/:id", a.admin(a.updateRule))
	r.DELETE(Prefix+"/rate-limits/:id", a.admin(a.deleteRule))

	r.GET(Prefix+"/services", a.admin(a.listServices))
	r.GET(Prefix+"/services/:name", a.admin(a.getService))
	r.POST(Prefix+"/services/:name/reset", a.admin(a.resetService))

	r.GET(Prefix+"/logs", a.admin(a.queryLogs))
	r.GET(Prefix+"/metrics", a.admin(a.aggregates))
	r.Handler(http.MethodGet, Prefix+"/metrics/prometheus", collector.Handler())

	// Aggregate health is read-only and unauthenticated, like the probes.
	r.GET(Prefix+"/health", a.aggregateHealth)

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, gwerrors.ErrNotFound.WithMessage("unknown management endpoint"))
	})

	a.handler = r
	return a
}

// Handler returns the management API handler.
func (a *API) Handler() http.Handler {
	return a.handler
}

// admin gates a handler on an admin-role bearer identity: 401 for an
// unverifiable token, 403 for a verified non-admin.
func (a *API) admin(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		identity, err := a.verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if auth.Denies401(err) {
				writeError(w, r, gwerrors.ErrUnauthorized.WithDetail("reason", err.Error()))
			} else {
				writeError(w, r, gwerrors.ErrAuthServiceUnavailable)
			}
			return
		}
		if !identity.IsAdmin() {
			writeError(w, r, gwerrors.ErrForbidden)
			return
		}
		if rc := reqctx.FromRequest(r); rc != nil {
			rc.Identity = identity
		}
		next(w, r, ps)
	}
}

// --- routes ---

// routePayload is the admin wire shape of a route; pointer fields
// distinguish omitted from zero on update.
type routePayload struct {
	Pattern               *string  `json:"pattern"`
	Methods               []string `json:"methods"`
	TargetService         *string  `json:"target_service"`
	TargetBaseURL         *string  `json:"target_base_url"`
	AuthRequired          *bool    `json:"auth_required"`
	Priority              *int     `json:"priority"`
	TimeoutMS             *int     `json:"timeout_ms"`
	RetryCount            *int     `json:"retry_count"`
	CircuitBreakerEnabled *bool    `json:"circuit_breaker_enabled"`
	Active                *bool    `json:"active"`
}

func (p *routePayload) apply(r *routing.Route) {
	if p.Pattern != nil {
		r.Pattern = *p.Pattern
	}
	if p.Methods != nil {
		r.Methods = p.Methods
	}
	if p.TargetService != nil {
		r.TargetService = *p.TargetService
	}
	if p.TargetBaseURL != nil {
		r.TargetBaseURL = *p.TargetBaseURL
	}
	if p.AuthRequired != nil {
		r.AuthRequired = *p.AuthRequired
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.TimeoutMS != nil {
		r.TimeoutMS = *p.TimeoutMS
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.CircuitBreakerEnabled != nil {
		r.CircuitBreakerEnabled = *p.CircuitBreakerEnabled
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
}

func (a *API) listRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
	writeJSON(w, http.StatusOK, a.table.List(activeOnly))
}

func (a *API) createRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload routePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, gwerrors.ErrBadRequest.WithDetail("reason", err.Error()))
		return
	}

	route := &routing.Route{Active: true}
	payload.apply(route)

	created, err := a.table.Create(r.Context(), route)
	if err != nil {
		writeError(w, r, mapRouteError(err))
		return
	}
	logging.Info("route created",
		zap.String("route_id", created.ID),
		zap.String("pattern", created.Pattern),
	)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	route, err := a.table.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, r, mapRouteError(err))
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (a *API) updateRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	existing, err := a.table.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, r, mapRouteError(err))
		return
	}

	var payload routePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, gwerrors.ErrBadRequest.WithDetail("reason", err.Error()))
		return
	}
	payload.apply(existing)

	updated, err := a.table.Update(r.Context(), existing)
	if err != nil {
		writeError(w, r, mapRouteError(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := a.table.Delete(r.Context(), ps.ByName("id")); err != nil {
		writeError(w, r, mapRouteError(err))
		return
	}
	logging.Info("route deleted", zap.String("route_id", ps.ByName("id")))
	w.WriteHeader(http.StatusNoContent)
}

// --- rate-limit rules ---

type rulePayload struct {
	Name          *string `json:"name"`
	Scope         *string `json:"scope"`
	Pattern       *string `json:"pattern"`
	MaxRequests   *int    `json:"max_requests"`
	WindowSeconds *int    `json:"window_seconds"`
	Active        *bool   `json:"active"`
}

func (p *rulePayload) apply(r *ratelimit.Rule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Scope != nil {
		r.Scope = ratelimit.Scope(*p.Scope)
	}
	if p.Pattern != nil {
		r.Pattern = *p.Pattern
	}
	if p.MaxRequests != nil {
		r.MaxRequests = *p.MaxRequests
	}
	if p.WindowSeconds != nil {
		r.WindowSeconds = *p.WindowSeconds
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.engine.List())
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload rulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, gwerrors.ErrBadRequest.WithDetail("reason", err.Error()))
		return
	}

	rule := &ratelimit.Rule{Active: true}
	payload.apply(rule)

	created, err := a.engine.Create(r.Context(), rule)
	if err != nil {
		writeError(w, r, mapRuleError(err))
		return
	}
	logging.Info("rate limit rule created",
		zap.String("rule_id", created.ID),
		zap.String("name", created.Name),
	)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rule, err := a.engine.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, r, mapRuleError(err))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	existing, err := a.engine.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, r, mapRuleError(err))
		return
	}

	var payload rulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, gwerrors.ErrBadRequest.WithDetail("reason", err.Error()))
		return
	}
	payload.apply(existing)

	updated, err := a.engine.Update(r.Context(), existing)
	if err != nil {
		writeError(w, r, mapRuleError(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := a.engine.Delete(r.Context(), ps.ByName("id")); err != nil {
		writeError(w, r, mapRuleError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- services / health / breakers ---

// serviceView joins the health record with its breaker snapshot.
type serviceView struct {
	health.Record
	Breaker circuitbreaker.Snapshot `json:"breaker"`
}

func (a *API) listServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	records := a.supervisor.List()
	out := make([]serviceView, 0, len(records))
	for _, rec := range records {
		out = append(out, serviceView{
			Record:  rec,
			Breaker: a.breakers.Get(rec.ServiceName).Snapshot(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getService(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	rec, ok := a.supervisor.Get(name)
	if !ok {
		writeError(w, r, gwerrors.ErrNotFound.WithMessage("unknown service"))
		return
	}
	writeJSON(w, http.StatusOK, serviceView{
		Record:  rec,
		Breaker: a.breakers.Get(name).Snapshot(),
	})
}

// resetService force-closes the breaker and zeroes the health counters.
func (a *API) resetService(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if _, ok := a.supervisor.Get(name); !ok {
		writeError(w, r, gwerrors.ErrNotFound.WithMessage("unknown service"))
		return
	}
	a.breakers.Reset(name)
	a.supervisor.Reset(name)
	logging.Info("service reset", zap.String("service", name))
	w.WriteHeader(http.StatusNoContent)
}

// --- logs / metrics / health ---

func (a *API) queryLogs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := logsink.Query{
		Path:    r.URL.Query().Get("path"),
		Service: r.URL.Query().Get("service"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		q.Status, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.From = ts
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.To = ts
		}
	}

	recs, err := a.sink.Query(r.Context(), q)
	if err != nil {
		writeError(w, r, gwerrors.Wrap(err, http.StatusInternalServerError, "INTERNAL", "log query failed"))
		return
	}
	if recs == nil {
		recs = []*logsink.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) aggregates(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			window = d
		}
	}
	topN := 10
	if v := r.URL.Query().Get("top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			topN = n
		}
	}
	writeJSON(w, http.StatusOK, a.sink.Aggregates(window, topN))
}

func (a *API) aggregateHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := a.supervisor.Aggregate()
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"services": a.supervisor.List(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, ge *gwerrors.GatewayError) {
	if rc := reqctx.FromRequest(r); rc != nil {
		ge = ge.WithRequestID(rc.RequestID)
		rc.Status = ge.Status
	}
	ge.WriteJSON(w)
}

func mapRouteError(err error) *gwerrors.GatewayError {
	switch err {
	case routing.ErrRouteMissing:
		return gwerrors.ErrNotFound.WithMessage("route not found")
	case routing.ErrPatternExists:
		return gwerrors.ErrConflict.WithMessage(err.Error())
	default:
		return gwerrors.ErrBadRequest.WithDetail("reason", err.Error())
	}
}

func mapRuleError(err error) *gwerrors.GatewayError {
	switch err {
	case ratelimit.ErrRuleMissing:
		return gwerrors.ErrNotFound.WithMessage("rate limit rule not found")
	case ratelimit.ErrNameExists:
		return gwerrors.ErrConflict.WithMessage(err.Error())
	default:
		return gwerrors.ErrBadRequest.WithDetail("reason", err.Error())
	}
}
