// Command canlink brings up a CANopen network from a config file, keeps it
// supervised and serves its metrics until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notnil/canlink"
	"github.com/notnil/canlink/config"
	"github.com/notnil/canlink/network"
	"github.com/notnil/canlink/transceiver"
)

func main() {
	cfgPath := flag.String("config", "", "YAML or TOML config file (defaults when empty)")
	metricsAddr := flag.String("metrics", ":9464", "address serving /metrics; empty disables it")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: canlink [flags]\n\nvendors: %v\n\n", transceiver.Vendors())
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			logger.Error("loading config failed", "error", err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	n, err := canlink.New(cfg, canlink.WithLogger(logger), canlink.WithRegistry(reg))
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	n.NetStateSubscribe(func(s network.State) {
		logger.Info("network state", "state", s)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = serve(ctx, logger, n, reg, *metricsAddr)
	stop()
	if err != nil {
		logger.Error("network start failed", "error", err)
		os.Exit(1)
	}
}

// serve starts the network and the metrics endpoint and runs until ctx is
// done. The bus is released on every return path.
func serve(ctx context.Context, logger *slog.Logger, n *canlink.Network, reg *prometheus.Registry, metricsAddr string) error {
	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}
	defer shutdown(logger, n, srv)

	devs, err := n.Start(ctx)
	if err != nil && len(devs) == 0 {
		return err
	}
	if err != nil {
		logger.Warn("some nodes did not connect", "error", err)
	}
	cfg := n.Config()
	logger.Info("network up", "devices", len(devs), "vendor", cfg.Vendor, "channel", cfg.Channel, "bitrate", cfg.Bitrate)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// shutdown stops the metrics server and releases the bus.
func shutdown(logger *slog.Logger, n *canlink.Network, srv *http.Server) {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	if err := n.Disconnect(); err != nil {
		logger.Warn("disconnect", "error", err)
	}
}
