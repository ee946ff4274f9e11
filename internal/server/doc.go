// Package server hosts the Fiber HTTP service for b2-hub: the recover and
// request-id middleware chain, the root health ping, and dispatch of object
// requests to the proxy handler. The two diagnostics paths, /-/status and
// /-/metrics, are left to the routes subpackage; any other /-/ key is an object. The package also owns the shared upstream http.Client and the
// hop-by-hop header filter reused by the proxy.
package server
