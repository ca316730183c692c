package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"eq3bt-home/internal/ble"
	"eq3bt-home/internal/store"
	"eq3bt-home/internal/thermostat"
	"eq3bt-home/internal/web"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the integration daemon (web API, MQTT bridge, automation)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := runtimeConfig(true)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("eq3bt-home starting", "version", version, "address", cfg.Thermostat.Address)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	thermCfg, err := cfg.thermostatConfig()
	if err != nil {
		return err
	}
	channel := ble.NewGATTChannel(cfg.Thermostat.Address, logger)
	therm := thermostat.New(channel, thermCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Record every status in the history store, and the device identity on
	// each connect.
	unsubSample := therm.OnStatus(func(status thermostat.Status) {
		recordSample(db, status, logger)
	})
	defer unsubSample()
	unsubInfo := therm.OnConnected(func(ev thermostat.ConnectedEvent) {
		recordSample(db, ev.Status, logger)
		info := &store.DeviceInfo{
			Address:         cfg.Thermostat.Address,
			Serial:          ev.DeviceData.Serial,
			FirmwareVersion: ev.DeviceData.FirmwareVersion,
			LastSeen:        time.Now(),
		}
		if err := db.SaveDeviceInfo(info); err != nil {
			logger.Error("save device info", "err", err)
		}
	})
	defer unsubInfo()

	// Web server
	webOpts := []web.ServerOption{web.WithHistory(db)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(therm, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge and automation engine are no-ops when built with the
	// no_mqtt / no_automation tags.
	mqtt := initMQTT(therm, cfg, logger)
	auto := initAutomation(therm, cfg, logger)

	go connectLoop(ctx, therm, logger)

	if retention := cfg.retention(); retention > 0 {
		go pruneLoop(ctx, db, retention, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if therm.IsConnected() {
		if err := therm.Disconnect(shutdownCtx); err != nil {
			logger.Error("disconnect", "err", err)
		}
	}

	logger.Info("goodbye")
	return nil
}

// connectLoop keeps the thermostat connected, backing off on failures and
// reconnecting after link loss.
func connectLoop(ctx context.Context, therm *thermostat.Thermostat, logger *slog.Logger) {
	const (
		minBackoff = 5 * time.Second
		maxBackoff = 5 * time.Minute
	)

	reconnect := make(chan struct{}, 1)
	unsub := therm.OnDisconnected(func() {
		select {
		case reconnect <- struct{}{}:
		default:
		}
	})
	defer unsub()

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if !therm.IsConnected() {
			if err := therm.Connect(ctx); err != nil {
				logger.Warn("connect failed", "err", err, "retry_in", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-reconnect:
		}
	}
}

func pruneLoop(ctx context.Context, db store.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.Prune(time.Now().Add(-retention))
			if err != nil {
				logger.Error("prune samples", "err", err)
			} else if n > 0 {
				logger.Debug("pruned samples", "count", n)
			}
		}
	}
}

func recordSample(db store.Store, status thermostat.Status, logger *slog.Logger) {
	sample := &store.Sample{
		Time:              time.Now(),
		Valve:             status.Valve,
		TargetTemperature: status.TargetTemperature,
		ValveTemperature:  status.ValveTemperature(),
		Mode:              status.OperationMode().String(),
		WindowOpen:        status.IsWindowOpen,
		LowBattery:        status.IsLowBattery,
	}
	if err := db.AddSample(sample); err != nil {
		logger.Error("store sample", "err", err)
	}
}
