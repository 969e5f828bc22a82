// Command meshd runs the control plane server: the distribution endpoint
// (component C6) and the rotation scheduler (component C5) sharing one
// in-memory policy store (component C3).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/audit"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/bundle"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/certs"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/cliutil"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/config"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/distribution"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/rotation"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	verbosity := logrus.InfoLevel

	cmd := &cobra.Command{
		Use:   "meshd",
		Short: "Mesh control-plane server: distribution endpoint + rotation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbosity)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file (optional; env MESH_* also applies)")
	flags.Var(cliutil.LevelValue{Level: &verbosity}, "verbosity", "log level: trace, debug, info, warn, error")

	return cmd
}

func run(configPath string, verbosity logrus.Level) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(verbosity)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("loading configuration")
		return err
	}

	store := policy.New(log)
	engine := certs.New(store, log)
	assembler := bundle.New(store, engine, cfg, log)
	registry := audit.New(store, cfg.SecretScanningTagPattern, log)
	promReg := prometheus.NewRegistry()
	server := distribution.New(store, assembler, registry, cfg, log, promReg)
	scheduler := rotation.New(store, engine, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", server.MetricsHandler())
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux, // separate listener so operators can firewall metrics away from client traffic.
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("distribution endpoint listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.WithField("addr", cfg.MetricsAddr).Info("metrics endpoint listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}
