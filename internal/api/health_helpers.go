package api

import (
	"context"
	"net/http"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// HealthHandler reports the datastore and each probe. Any failing component
// degrades the whole response to 503.
func HealthHandler(store Pinger, probes ...Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components, status, code := componentHealth(r.Context(), store, probes)
		writeJSON(w, code, map[string]interface{}{
			"status":     status,
			"components": components,
		})
	}
}

func componentHealth(ctx context.Context, store Pinger, probes []Probe) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(probes)+1)
	if store != nil {
		components = append(components, recordComponent("datastore", store.Ping(ctx)))
	}
	for _, probe := range probes {
		if probe.Check == nil {
			continue
		}
		components = append(components, recordComponent(probe.Name, probe.Check(ctx)))
	}
	return components, overallStatus, statusCode
}
