package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/internal/metrics"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// Throttle caps overall request throughput with a token bucket. The enclave
// runs it in front of its internal routes; a zero rate disables it.
type Throttle struct {
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewThrottle builds a throttle admitting rps requests per second with a
// burst of twice that (minimum 1).
func NewThrottle(rps float64, log *logger.Logger) *Throttle {
	if log == nil {
		log = logger.NewDefault("middleware")
	}
	if rps <= 0 {
		return &Throttle{log: log}
	}
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

// Handler returns the throttling middleware handler.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.limiter != nil && !t.limiter.Allow() {
			t.log.WithContext(r.Context()).WithFields(map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("request throttled")
			metrics.RecordRateLimited("enclave")
			httputil.RespondError(w, t.log, errors.RateLimited("request rate exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
