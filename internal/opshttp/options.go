package opshttp

import (
	"net/http"

	"github.com/keithlinneman/crud-api/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// AllowPublic disables the private-network guard, e.g. when a sidecar
	// scrapes through a public address.
	AllowPublic bool
}
