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

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/health"
	"github.com/jmerrifield20/eventledger/internal/ledger/handler"
	"github.com/jmerrifield20/eventledger/internal/ledger/notify"
)

// ── watch ────────────────────────────────────────────────────────────────────

var (
	watchInterval    time.Duration
	watchThreshold   int
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor backend connectivity and flush the outbox when it returns",
	Long: `Watch probes the backend's /healthz endpoint. When the backend becomes
reachable again, or while writes are still queued, the outbox is flushed.

  ledgerctl watch --interval 15s --metrics-addr :9102`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.DurationVar(&watchInterval, "interval", 30*time.Second, "probe interval")
	f.IntVar(&watchThreshold, "fail-threshold", 2, "consecutive failures before the backend counts as down")
	f.StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runWatch(cmd *cobra.Command, args []string) error {
	verbose = true
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	d.recorder.SetMetricsRecorder(handler.RecorderMetrics{})

	mon := health.New(d.client.HealthURL(), d.recorder, health.Config{
		CheckInterval: watchInterval,
		FailThreshold: watchThreshold,
	}, clockwork.NewRealClock(), d.logger)
	mon.SetMetricsRecord(handler.RecordHealthCheck)
	mon.SetPendingRecord(handler.SetOutboxPending)

	if watchMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			d.logger.Info("metrics listening", zap.String("addr", watchMetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics listen error", zap.Error(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx) //nolint:errcheck
		}()
	}

	d.logger.Info("watching backend",
		zap.String("endpoint", d.client.HealthURL()),
		zap.Duration("interval", watchInterval),
	)
	mon.Start(ctx)
	return nil
}

// ── tail ─────────────────────────────────────────────────────────────────────

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream append notifications from NATS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL := viper.GetString("nats_url")
		if natsURL == "" {
			return fmt.Errorf("nats_url is not configured")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := newLogger()
		nc, err := notify.Connect(notify.NATSConfig{URL: natsURL, Name: "ledgerctl-tail"}, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		return notify.Subscribe(ctx, nc, viper.GetString("nats_subject_prefix"), logger, func(msg notify.Appended) {
			if err := printJSONLine(msg); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		})
	},
}
