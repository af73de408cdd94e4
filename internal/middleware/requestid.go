package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/prismgate/gateway/internal/reqctx"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestID assigns a fresh UUID v4 per request, resolves the client IP
// through the trusted-proxy policy, and seeds the pooled request context.
// It is the outermost data-plane middleware; downstream code relies on the
// context being present.
func RequestID(trusted *reqctx.TrustedProxies) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.Acquire()
			rc.RequestID = uuid.New().String()
			rc.ClientIP = reqctx.ClientIP(r, trusted)
			rc.Start = time.Now()

			w.Header().Set("X-Gateway-Request-ID", rc.RequestID)

			next.ServeHTTP(w, reqctx.Inject(r, rc))
			reqctx.Release(rc)
		})
	}
}
