package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/prismgate/gateway/internal/errors"
	"github.com/prismgate/gateway/internal/reqctx"
)

// LoadShed rejects new work with 503 once maxInflight requests are already
// in flight, before any per-request work beyond admission. A limit of zero
// disables shedding.
func LoadShed(maxInflight int64) Middleware {
	if maxInflight <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	var inflight atomic.Int64
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if inflight.Add(1) > maxInflight {
				inflight.Add(-1)
				ge := errors.ErrServiceUnavailable.WithMessage("gateway overloaded")
				if rc := reqctx.FromRequest(r); rc != nil {
					ge = ge.WithRequestID(rc.RequestID)
				}
				w.Header().Set("Retry-After", "1")
				ge.WriteJSON(w)
				return
			}
			defer inflight.Add(-1)

			next.ServeHTTP(w, r)
		})
	}
}
