// Command thermo-controller samples room conditions, reports them to the
// hub and drives the fan relay toward the hub-configured setpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sweeney/thermo-controller/internal/config"
	"github.com/sweeney/thermo-controller/internal/conn"
	"github.com/sweeney/thermo-controller/internal/controller"
	"github.com/sweeney/thermo-controller/internal/gpio"
	"github.com/sweeney/thermo-controller/internal/history"
	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/logger"
	"github.com/sweeney/thermo-controller/internal/retry"
	"github.com/sweeney/thermo-controller/internal/sensor"
	"github.com/sweeney/thermo-controller/internal/status"
	"github.com/sweeney/thermo-controller/internal/telemetry"
	"github.com/sweeney/thermo-controller/internal/twin"
	"github.com/sweeney/thermo-controller/internal/web"
)

// releaseTimeout bounds closing the hub connection at shutdown.
const releaseTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "thermo-controller: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "thermo-controller: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	snsr, err := sensor.NewSysfs(sensor.SysfsConfig{
		IIODevice:   cfg.Sensor.IIODevice,
		CPUThermal:  cfg.Sensor.CPUThermal,
		SeaLevelHPa: cfg.Sensor.SeaLevelHPa,
	})
	if err != nil {
		return fmt.Errorf("init sensor: %w", err)
	}
	defer snsr.Close()

	// Print sample mode
	if cfg.PrintSample {
		s, err := snsr.Sample(context.Background())
		if err != nil {
			return fmt.Errorf("read sensor: %w", err)
		}
		body, err := telemetry.FormatPayload(s, cfg.DeviceID())
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	}

	actuator, err := gpio.NewRealActuator(cfg.GPIO.Chip, cfg.GPIO.ActiveLow)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}

	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	hubLog := logger.Component(log, "hub")
	factory := hub.NewFactory(hub.Options{
		Transport:            cfg.Hub.Transport,
		ConnectTimeout:       cfg.Hub.ConnectTimeout,
		OperationTimeout:     cfg.Hub.OperationTimeout,
		MaxReconnectAttempts: cfg.Hub.MaxReconnectAttempts,
		SASTTL:               cfg.Hub.SASTTL,
	}, hubLog)
	exec := retry.New(retry.Backoff{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	}, logger.Component(log, "retry"))
	mgr, err := conn.New(creds, factory, exec, logger.Component(log, "conn"))
	if err != nil {
		actuator.ReleaseAll()
		return err
	}
	defer release(actuator, mgr, log)

	tracker := status.NewTracker(time.Now(), status.Config{
		DeviceID:       creds[0].DeviceID,
		Host:           creds[0].HostName,
		Transport:      cfg.Hub.Transport,
		IntervalMs:     cfg.Control.Interval.Milliseconds(),
		FanPin:         cfg.Control.FanPin,
		AlertThreshold: cfg.Control.AlertThreshold,
		HTTPAddr:       cfg.HTTP.Addr,
	})
	mgr.OnStatusChange(func(ev conn.Event) {
		tracker.RecordConnection(time.Now(), ev.Status, ev.CredentialsRemaining, ev.Terminal)
	})

	var rec history.Recorder = history.Nop{}
	if cfg.Influx.Enabled {
		in, err := history.Connect(context.Background(), history.Config{
			Enabled:  true,
			URL:      cfg.Influx.URL,
			Token:    cfg.Influx.Token,
			Org:      cfg.Influx.Org,
			Bucket:   cfg.Influx.Bucket,
			DeviceID: cfg.DeviceID(),
		}, logger.Component(log, "history"))
		if err != nil {
			log.Warn().Err(err).Msg("history mirror unavailable, continuing without it")
		} else {
			rec = in
			defer in.Close()
		}
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	ctrlCfg := controller.DefaultConfig()
	ctrlCfg.DeviceID = cfg.DeviceID()
	ctrlCfg.FanPin = cfg.Control.FanPin
	ctrlCfg.DefaultSetpoint = cfg.Control.DefaultSetpoint
	ctrlCfg.AlertThreshold = cfg.Control.AlertThreshold
	ctrlCfg.Interval = cfg.Control.Interval
	ctrlCfg.SensorRetryDelay = cfg.Sensor.RetryDelay
	ctrlCfg.InitialReadTimeout = cfg.Control.InitialReadTimeout

	ctrlLog := logger.Component(log, "controller")
	tw := twin.New(mgr, logger.Component(log, "twin"))
	ctrl := controller.New(ctrlCfg, mgr, tw, snsr, actuator, tracker, rec, ctrlLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go cancelOnSignal(ctx, cancel, sigCh, log)

	log.Info().
		Str("device", cfg.DeviceID()).
		Int("credentials", len(creds)).
		Dur("interval", cfg.Control.Interval).
		Int("fan_pin", cfg.Control.FanPin).
		Str("config", cfg.File).
		Msg("started")

	ticker := time.NewTicker(cfg.Control.Interval)
	defer ticker.Stop()

	return runLoop(ctx, mgr, ctrl, ticker.C, cfg.Control.ReceiveC2D, log)
}

// cancelOnSignal cancels ctx when a shutdown signal arrives.
func cancelOnSignal(ctx context.Context, cancel context.CancelFunc, sig <-chan os.Signal, log zerolog.Logger) {
	select {
	case s := <-sig:
		log.Info().Stringer("signal", s).Msg("shutting down")
		cancel()
	case <-ctx.Done():
	}
}

// runLoop starts the connection manager, initialises the controller and
// runs the control loop until ctx is cancelled. Background goroutines have
// exited when it returns.
func runLoop(ctx context.Context, mgr *conn.Manager, ctrl *controller.Controller, tick <-chan time.Time, receive bool, log zerolog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.Run(ctx)
	}()

	if err := ctrl.Init(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info().Msg("shutdown during initialisation")
			return nil
		}
		return fmt.Errorf("init: %w", err)
	}

	if receive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctrl.ReceiveLoop(ctx)
		}()
	}

	return ctrl.Run(ctx, tick)
}

// release drives the actuator to its safe level and closes the hub
// connection. The connection is released even if the actuator release
// fails or panics.
func release(actuator gpio.Actuator, mgr *conn.Manager, log zerolog.Logger) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := mgr.Release(ctx); err != nil {
			log.Error().Err(err).Msg("releasing hub connection")
		}
	}()
	if err := actuator.ReleaseAll(); err != nil {
		log.Error().Err(err).Msg("releasing gpio")
	}
}
