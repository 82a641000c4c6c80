package httperr

import "context"

// outcome is the per-request failure slot installed by Translator.
// A request is served on one goroutine, so no locking.
type outcome struct {
	err error
	// recorded is set once the access log has reported the failure
	recorded bool
	// rendered is set once Resolver has written the envelope
	rendered bool
}

type outcomeKey struct{}

func withOutcome(ctx context.Context) (context.Context, *outcome) {
	oc := &outcome{}
	return context.WithValue(ctx, outcomeKey{}, oc), oc
}

func outcomeFrom(ctx context.Context) *outcome {
	oc, _ := ctx.Value(outcomeKey{}).(*outcome)
	return oc
}

// Report hands err to the enclosing Translator. It returns false when no
// Translator is installed, in which case the caller must render err itself.
// The first reported error wins.
func Report(ctx context.Context, err error) bool {
	oc := outcomeFrom(ctx)
	if oc == nil {
		return false
	}
	if oc.err == nil {
		oc.err = err
	}
	return true
}

// Pending returns the failure reported for this request so far, if any.
func Pending(ctx context.Context) error {
	if oc := outcomeFrom(ctx); oc != nil {
		return oc.err
	}
	return nil
}

// PendingStatus is the status the pending failure will be rendered with.
func PendingStatus(ctx context.Context) (int, bool) {
	err := Pending(ctx)
	if err == nil {
		return 0, false
	}
	return StatusOf(err), true
}

// MarkRecorded tells the Translator the failure has already been logged.
func MarkRecorded(ctx context.Context) {
	if oc := outcomeFrom(ctx); oc != nil {
		oc.recorded = true
	}
}
