// Package ratelimit is an in-memory, per-process token bucket keyed by the
// resolved client address. It stops a single client from flooding one
// replica; distributed floods belong to the load balancer or WAF in front.
// It runs before the JSON body limit, so rejected requests never have their
// body read.
package ratelimit
