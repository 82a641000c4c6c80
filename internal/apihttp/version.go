package apihttp

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/keithlinneman/crud-api/internal/version"
)

// VersionResponse is build metadata plus the server clock.
type VersionResponse struct {
	version.Info
	ServerTime time.Time `json:"server_time"`
	StartedAt  time.Time `json:"started_at"`
}

// HandleVersion serves the build this process was compiled from.
func (api *API) HandleVersion(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Cache-Control", "no-cache")
	resp := VersionResponse{
		Info:       api.build,
		ServerTime: api.now().UTC().Truncate(time.Second),
		StartedAt:  api.started.UTC().Truncate(time.Second),
	}
	api.logger.Debug(r.Context(), "served version", "version", resp.Version)
	render.JSON(w, r, resp)
	return nil
}
