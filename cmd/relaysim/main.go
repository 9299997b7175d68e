package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bwise1/groupbeacon/config"
	"github.com/bwise1/groupbeacon/internal/relay"
	"github.com/bwise1/groupbeacon/util/logging"
)

const (
	allowConnectionsAfterShutdown = 1 * time.Second
)

func main() {
	cfg := config.New()
	logging.Setup()

	registry := prometheus.NewRegistry()
	metrics := relay.NewMetrics(registry)
	state := relay.NewState()
	hub := relay.NewHub(state, metrics)

	a := &relay.API{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		JwtSecret: cfg.JwtSecret,
		State:     state,
		Hub:       hub,
		Metrics:   metrics,
		Registry:  registry,
	}

	go hub.Run()
	go func() {
		log.Printf("Relay running on port %v ...", cfg.Port)
		log.Fatal(a.Serve())
	}()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-stopChan

	log.Println("Request to shutdown relay. Doing nothing for ", allowConnectionsAfterShutdown)
	waitTimer := time.NewTimer(allowConnectionsAfterShutdown)
	<-waitTimer.C

	log.Println("Shutting down relay...")
	log.Fatal(a.Shutdown())
}
