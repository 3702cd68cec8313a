package main

import (
	"encoding/json"
	"net/http"

	"tunrelay/pkg/relay"
)

// newHealthHandler returns an HTTP handler reporting relay activity. The
// process being reachable at all means the TUN read loop and dispatch
// workers are alive; when dropped packets outnumber routed ones the
// handler responds 503 Service Unavailable with status "degraded".
func newHealthHandler(r *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		m := r.Metrics()
		degraded := m.PacketsRouted > 0 && m.PacketsDropped > m.PacketsRouted

		w.Header().Set("Content-Type", "application/json")
		if degraded {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":          statusString(!degraded),
			"packets_routed":  m.PacketsRouted,
			"packets_dropped": m.PacketsDropped,
			"tcp_flows":       m.TCP.ActiveFlows,
			"udp_flows":       m.UDP.ActiveFlows,
		})
	}
}

func statusString(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}
