// Package httpmw provides the request pipeline stages for the public server.
//
// Stages are composed in httpserver.NewHandler with [Chain], outermost first:
// the error boundary (httperr.Translator), [CORS], [Compress],
// [SecurityHeaders], [RequestID], client IP extraction, tracing, metrics,
// [AccessLog], rate limiting, [JSONBodyLimit] and the chi router.
//
// Header-setting stages write before delegating so their headers survive on
// short-circuited and translated error responses. User-supplied data (query
// params, user-agent, bodies) is intentionally excluded from logs to prevent
// PII leaks and log injection.
package httpmw
