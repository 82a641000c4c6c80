package httpmw

import (
	"net/http"
)

// Stage is one step of the request pipeline. It may answer the request
// itself or delegate to next and post-process what comes back.
type Stage = func(next http.Handler) http.Handler

// Chain wraps h in stages, first stage outermost. Nil stages are skipped so
// optional stages can be passed unconditionally.
func Chain(h http.Handler, stages ...Stage) http.Handler {
	p := pipeline{terminal: h}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	return p.from(0)
}

type pipeline struct {
	stages   []Stage
	terminal http.Handler
}

// from returns the handler that runs stages[i:] and then the terminal handler.
func (p pipeline) from(i int) http.Handler {
	if i >= len(p.stages) {
		return p.terminal
	}
	return p.stages[i](p.from(i + 1))
}
