package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"tunrelay/pkg/logging"
	"tunrelay/pkg/relay"
)

func runMetricsReporter(r *relay.Relay) {
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	d, err := time.ParseDuration(iv)
	if err != nil {
		d = 30 * time.Second
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for range ticker.C {
		dumpMetrics(r, format)
	}
}

func dumpMetrics(r *relay.Relay, format string) {
	m := r.Metrics()

	if format == "json" {
		b, _ := json.Marshal(m)
		logging.Infof("metrics: %s", string(b))
		return
	}

	logging.Infof("metrics: routed=%d dropped=%d | tcp: sent=%d/%d recv=%d/%d act=%d err=%d | udp: sent=%d/%d recv=%d/%d act=%d err=%d | tun: sent=%d/%d recv=%d/%d err=%d",
		m.PacketsRouted, m.PacketsDropped,
		m.TCP.PacketsSent, m.TCP.BytesSent, m.TCP.PacketsReceived, m.TCP.BytesReceived, m.TCP.ActiveFlows, m.TCP.Errors,
		m.UDP.PacketsSent, m.UDP.BytesSent, m.UDP.PacketsReceived, m.UDP.BytesReceived, m.UDP.ActiveFlows, m.UDP.Errors,
		m.TUN.PacketsSent, m.TUN.BytesSent, m.TUN.PacketsReceived, m.TUN.BytesReceived, m.TUN.Errors,
	)
}
