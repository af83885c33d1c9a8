package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"annbench/internal/backend"
	"annbench/internal/bench"
	"annbench/internal/runner"
	"annbench/internal/server"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		healthKind  string
		healthAddr  string
		baselineDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the benchmark engine over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := runner.New(backendHealth(healthKind, healthAddr))
			go r.Run(ctx)

			logger := log.StandardLogger()
			router := chi.NewRouter()
			router.Use(middleware.CleanPath)
			router.Use(middleware.Recoverer)
			router.Use(middleware.RequestLogger(
				&middleware.DefaultLogFormatter{
					Logger:  logger,
					NoColor: true,
				},
			))
			router.Use(middleware.NoCache)
			router.Use(middleware.StripSlashes)
			router.Use(middleware.AllowContentType("application/json"))
			router.Use(middleware.Heartbeat("/ping"))

			metrics := prometheus.NewRegistry()
			metrics.MustRegister(prometheus.NewGoCollector())
			factory := &runner.Factory{
				Metrics:     bench.NewMetrics(metrics),
				BaselineDir: baselineDir,
			}

			router.Get("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}).ServeHTTP)
			server.NewHandler(r, factory).RegisterRoutes(router)

			srv := &http.Server{Addr: addr, Handler: router}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Infof("Listening on %v", addr)
			defer log.Info("Goodbye!")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&healthKind, "health-backend", "", "Backend kind checked by /healthz while idle")
	cmd.Flags().StringVar(&healthAddr, "health-address", "", "Address of the backend checked by /healthz")
	cmd.Flags().StringVar(&baselineDir, "baseline-dir", os.TempDir(), "Directory for the fio baseline test file")
	return cmd
}

// backendHealth opens and closes a backend connection with a single try.
func backendHealth(kind, addr string) func(context.Context) error {
	if kind == "" {
		return nil
	}
	return func(ctx context.Context) error {
		s, err := backend.Open(ctx, backend.Config{Kind: kind, Address: addr, ConnectRetries: 1})
		if err != nil {
			return err
		}
		return s.Close()
	}
}
