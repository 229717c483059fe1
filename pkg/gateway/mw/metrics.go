package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/voiceforge/forge/pkg/gateway/metrics"
)

// Metrics records request count and latency per route pattern. It must wrap
// the mux directly: the pattern is read off the request after dispatch, and a
// context-cloning middleware in between would hide it.
func Metrics(m *metrics.Set, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapStatusWriter(w)
		next.ServeHTTP(wrapped, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(r.Method, route, strconv.Itoa(sw.status), time.Since(start))
	})
}
