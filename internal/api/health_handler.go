// health_handler.go -- GET /health.
package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthTimeout bounds each dependency ping so a hung backend cannot stall probes.
const healthTimeout = 2 * time.Second

// CheckHealth pings Postgres and Redis concurrently and reports each one.
// Returns 200 if both are healthy, 503 if either is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"postgres", h.PS.CheckHealth},
		{"redis", h.RS.CheckHealth},
	}
	results := make([]string, len(checks))

	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			results[i] = "ok"
			if err := c.ping(ctx); err != nil {
				logError(r, c.name+" health check failed", "error", err)
				results[i] = "error"
			}
			return nil
		})
	}
	g.Wait()

	status := http.StatusOK
	for _, res := range results {
		if res != "ok" {
			status = http.StatusServiceUnavailable
		}
	}
	JSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{results[0], results[1]})
}
