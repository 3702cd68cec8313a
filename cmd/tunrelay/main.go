package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tunrelay/pkg/config"
	"tunrelay/pkg/hostsock"
	"tunrelay/pkg/logging"
	"tunrelay/pkg/relay"
	"tunrelay/pkg/tun"
)

func main() {
	cfg := config.DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}

	tunDev, err := tun.CreateTUN(cfg.Relay.TUNName, cfg.Relay.MTU)
	if err != nil {
		log.Fatalf("tun: %v", err)
	}

	sockets := hostsock.NewFactory(cfg.Relay.OutboundInterface)

	r := relay.New(cfg.Relay, tunDev, sockets)
	if err := r.Start(); err != nil {
		log.Fatalf("relay: %v", err)
	}
	defer r.Stop()

	if metricsEnabled := strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != ""; metricsEnabled {
		go runMetricsReporter(r)
	}

	go func() {
		http.HandleFunc("/health", newHealthHandler(r))
		if err := http.ListenAndServe(":8080", nil); err != nil {
			logging.Warnf("health endpoint stopped: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	logging.Infof("tunrelay: shutting down")
}
