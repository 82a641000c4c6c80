// Package health serves the liveness (/-/healthy) and readiness (/-/ready)
// probes on both listeners. A [ShutdownGate] folded into the readiness
// probe with [All] flips it to 503 as soon as shutdown begins.
package health
