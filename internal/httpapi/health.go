package httpapi

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthChecker is implemented by the store and the vector index.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Health calls f.
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// NewHealthHandler runs every check with a 3 second budget. Any failure
// turns the response into a 503.
func NewHealthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		response := HealthResponse{
			Status:     "healthy",
			Components: make(map[string]string, len(checks)),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		code := http.StatusOK
		for name, check := range checks {
			if err := check.Health(ctx); err != nil {
				response.Components[name] = "disconnected"
				response.Status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			response.Components[name] = "connected"
		}

		writeJSON(w, code, response)
	}
}
