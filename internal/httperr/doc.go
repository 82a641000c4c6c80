// Package httperr owns the client-facing error contract.
//
// Every error response body has the shape
//
//	{"error": {"message": "...", "code": "...", "details": {...}}}
//
// with details present only when supplied. Terminal handlers return errors
// through [HandlerFunc]. The [Resolver] stage renders a pending failure from
// inside the pipeline, so compression, access logging and metrics see the
// envelope like any other response. The [Translator] stage at the outer edge
// recovers panics and renders whatever no Resolver handled. Observing stages
// read the outcome with [Pending] and [PendingStatus].
//
// Anything not recognised as an [*Error] or [*ValidationError] is reported as
// a generic 500; error text never reaches the client.
package httperr
