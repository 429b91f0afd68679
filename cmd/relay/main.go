// Command relay runs the ephemeral room registry as a standalone HTTP
// server: the half of the system that never sees plaintext.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sos-chat/internal/config"
	"sos-chat/internal/httpapi"
	"sos-chat/internal/logger"
	"sos-chat/internal/metrics"
	"sos-chat/internal/registry"
	"sos-chat/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New("RELAY", cfg.LogLevel)

	st, err := store.Open(cfg.RedisURL)
	if err != nil {
		log.Fatalf("startup", "open room store: %v", err)
	}
	defer st.Close()

	m := metrics.New()
	reg := registry.New(registry.Options{
		Store:         st,
		Metrics:       m,
		Logger:        logger.New("REGISTRY", cfg.LogLevel),
		SweepInterval: time.Duration(cfg.SweepInterval) * time.Second,
	})
	defer reg.Stop()

	promReg := prometheus.NewRegistry()
	for _, c := range m.Collectors() {
		if err := promReg.Register(c); err != nil {
			log.Warnf("startup", "register collector: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(reg, m, logger.New("HTTPAPI", cfg.LogLevel)).Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("startup", "listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("startup", "listen: %v", err)
		}
	case sig := <-sigCh:
		log.Infof("shutdown", "received %s, draining", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("shutdown", "graceful shutdown failed: %v", err)
		}
	}
}
