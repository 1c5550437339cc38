package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/nodestore/pkg/events"
	"github.com/cuemby/nodestore/pkg/log"
	"github.com/cuemby/nodestore/pkg/metrics"
	"github.com/cuemby/nodestore/pkg/reconciler"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repository with metrics, health endpoints and background maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = settings.Metrics.Listen
		}
		logger := log.WithComponent("server")
		metrics.SetVersion(Version)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		repo, err := openRepository(cmd, repoOptions{broker: broker})
		if err != nil {
			metrics.RegisterComponent("storage", false, err.Error())
			return err
		}
		defer repo.Close()
		metrics.RegisterComponent("storage", true, repo.backend.Name())

		collector := metrics.NewCollector(repo, 15*time.Second, log.WithComponent("metrics"))
		collector.Start()
		defer collector.Stop()

		recon := reconciler.NewReconciler(repo.Repository, reconciler.Config{
			Interval:  settings.Reconciler.Interval,
			OrphanTTL: settings.Content.OrphanTTL,
		})
		recon.Start()
		defer recon.Stop()

		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)
		go func() {
			for ev := range sub {
				logger.Debug().
					Str("event", string(ev.Type)).
					Str("node", ev.Node.String()).
					Int64("txn_id", ev.TxnID).
					Msg("Node changed")
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		server := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()

		logger.Info().
			Str("listen", listen).
			Str("backend", settings.Backend).
			Str("data_dir", settings.DataDir).
			Msg("Nodestore is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case <-sigCh:
			logger.Info().Msg("Shutting down")
		case runErr = <-errCh:
			logger.Error().Err(runErr).Msg("Server failed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
		return runErr
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Address for metrics and health endpoints (overrides config)")
}
