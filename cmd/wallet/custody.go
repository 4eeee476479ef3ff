package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/internal/custody"
	"github.com/kokukuma/mdoc-wallet/internal/metrics"
)

var custodyCmd = &cobra.Command{
	Use:   "custody",
	Short: "Key custody service used by the remote crypto provider",
}

var custodyServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve key generation, attestation and signing over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveCustody(ctx, cfg.ListenAddress)
	},
}

func init() {
	custodyCmd.AddCommand(custodyServeCmd)
	rootCmd.AddCommand(custodyCmd)
}

func custodyRouter(srv *custody.Server, reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.PathPrefix("/").Handler(srv.Handler())
	return r
}

func serveCustody(ctx context.Context, addr string) error {
	attester, _, err := cfg.Attester()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	srv := custody.NewServer(cryptoprovider.NewLocalProvider(attester),
		custody.WithLogger(slog.Default()),
		custody.WithMetrics(metrics.New(reg)),
	)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           custodyRouter(srv, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("starting custody server", "addr", addr, "profile", cfg.Profile)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// Requests arriving during shutdown get 503.
	srv.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("custody server stopped")
	return nil
}
