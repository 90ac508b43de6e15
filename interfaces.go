package conduit

import "net/http"

// RouteRegistrar registers additional routes on the ops API mux. It is called
// once during New, after the built-in routes are in place.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root ops API handler. It sees every request,
// including /health. Middlewares apply in registration order, first
// registered outermost.
type Middleware func(http.Handler) http.Handler
