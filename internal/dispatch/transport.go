package dispatch

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// newTransport returns the default outbound transport, instrumented so trace
// context propagates to upstream destinations.
func newTransport() http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 32
	base.ResponseHeaderTimeout = 0 // the per-call deadline governs
	base.IdleConnTimeout = 90 * time.Second
	return otelhttp.NewTransport(base)
}
