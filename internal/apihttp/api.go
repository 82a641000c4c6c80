// Package apihttp holds the terminal handlers of the public API and the
// request binding helpers they share.
package apihttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/keithlinneman/crud-api/internal/httperr"
	"github.com/keithlinneman/crud-api/internal/httpmw"
	"github.com/keithlinneman/crud-api/internal/log"
	"github.com/keithlinneman/crud-api/internal/version"
)

// API implements the public endpoints
type API struct {
	logger  log.Logger
	build   version.Info
	started time.Time
	now     func() time.Time
}

func NewAPI(logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		logger:  logger,
		build:   version.Get(),
		started: time.Now(),
		now:     time.Now,
	}
}

// RegisterRoutes attaches the API endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("health")).Method(http.MethodGet, "/", httperr.HandlerFunc(api.HandleHealth))
	r.With(httpmw.Scope("version")).Method(http.MethodGet, "/-/version", httperr.HandlerFunc(api.HandleVersion))
}

type HealthResponse struct {
	Message string `json:"message"`
}

// HandleHealth reports that the process is serving requests.
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) error {
	render.JSON(w, r, HealthResponse{Message: "Healthy"})
	return nil
}
