package health

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/keithlinneman/crud-api/internal/httperr"
)

const CodeUnavailable = "SERVICE_UNAVAILABLE"

type statusResponse struct {
	Status string `json:"status"`
}

// HealthzHandler: 200 {"status":"ok"} when the probe passes, 503 envelope with the reason otherwise.
func HealthzHandler(p Probe) http.HandlerFunc {
	return probeHandler(p, "ok")
}

// ReadyzHandler: 200 {"status":"ready"} when the probe passes, 503 envelope with the reason otherwise.
func ReadyzHandler(p Probe) http.HandlerFunc {
	return probeHandler(p, "ready")
}

func probeHandler(p Probe, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				httperr.Write(w, r, http.StatusServiceUnavailable, CodeUnavailable, "Service unavailable",
					map[string]any{"reason": err.Error()})
				return
			}
		}
		render.JSON(w, r, statusResponse{Status: okStatus})
	}
}
