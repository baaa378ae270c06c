package api

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/quorralabs/keel/pkg/rpu"
)

// RateLimit applies a global token-bucket limit to the wrapped handler.
// Because the admission path writes to the kernel store on every request,
// one shared bucket is the right granularity: the protected resource is
// the store, not the caller.
func RateLimit(rps float64, burst int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			WriteError(w, http.StatusTooManyRequests, "Rate Limited",
				"request rate exceeds the configured limit")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CapsuleHeader is the request header carrying an inline gating capsule.
const CapsuleHeader = "X-Keel-Capsule"

// CapsuleAdoption inspects every request for an inline capsule and offers
// it to the gate. Rejection is silent at the HTTP layer; the request
// proceeds either way and the gate logs the reason.
func CapsuleAdoption(gate *rpu.Gate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get(CapsuleHeader); raw != "" {
			gate.AdoptFromHeaderJSON([]byte(raw))
		}
		next.ServeHTTP(w, r)
	})
}
