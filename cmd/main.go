package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/api"
	"sleepywoodpecker/rp-noise-meter/internal/audio"
	"sleepywoodpecker/rp-noise-meter/internal/audio/mic"
	"sleepywoodpecker/rp-noise-meter/internal/config"
	"sleepywoodpecker/rp-noise-meter/internal/display"
	"sleepywoodpecker/rp-noise-meter/internal/gps"
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/logger"
	"sleepywoodpecker/rp-noise-meter/internal/meter"
	"sleepywoodpecker/rp-noise-meter/internal/metrics"
	"sleepywoodpecker/rp-noise-meter/internal/processing"
	"sleepywoodpecker/rp-noise-meter/internal/results"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
	"sleepywoodpecker/rp-noise-meter/internal/websocket"
)

const ARCHIVE_FILE_NAME = "exports.db"

const MESSAGE_QUEUE_LENGTH = 20

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	logPath := flag.String("log", "", "append JSON logs to this file")
	httpAddr := flag.String("http", "", "HTTP listen address, overrides the config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *logPath != "" {
		cfg.LogFile = *logPath
	}
	if *httpAddr != "" {
		cfg.HTTP.Address = *httpAddr
	}

	// context handler for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// first initialize the main logger
	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logger.NewLoggerWithLevel(cfg.LogFile, lvl)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("[main] exiting with error", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) (err error) {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i].Close())
		}
	}()

	estimator, err := level.NewEstimator(cfg.LevelParams())
	if err != nil {
		return err
	}
	speeds := speed.NewStore(cfg.GPS.MaxReadingAge)

	// presentation sinks
	ceiling := estimator.Params().Ceiling
	hub := websocket.NewHub(cfg.HTTP.WebSocketPingInterval, ceiling, cfg.HTTP.AllowedOrigins, log)
	defer hub.Close()
	sinks := display.Multi{metrics.Sink{}, hub}
	var terminal *display.Terminal
	if cfg.Terminal {
		terminal = display.NewTerminal(os.Stdout, ceiling)
		sinks = append(sinks, terminal)
	}

	// optional export archive
	var archive *results.Store
	if cfg.Archive.DataDir != "" {
		if err := os.MkdirAll(cfg.Archive.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		archive, err = results.New(filepath.Join(cfg.Archive.DataDir, ARCHIVE_FILE_NAME), cfg.Archive.MaxStoredExports, log)
		if err != nil {
			return err
		}
		closers = append(closers, archive)
	}

	audioSource, err := newAudioSource(cfg, log)
	if err != nil {
		return err
	}
	locationSource := newLocationSource(cfg, log)

	blockQueue := make(chan level.SampleBlock, MESSAGE_QUEUE_LENGTH)
	processor := processing.NewProcessor(cfg.Level.LogFile, blockQueue, log, estimator, sinks, cfg.Level.Interval)

	sessionCfg := meter.Config{
		Estimator: estimator,
		Speeds:    speeds,
		Sink:      sinks,
		Blocks:    blockQueue,
		Audio:     audioSource,
		Location:  locationSource,
		Logger:    log,
	}
	if archive != nil {
		sessionCfg.Archive = archive
	}
	session := meter.NewSession(sessionCfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var runErr error
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				log.Error("[main] component failed", zap.String("component", name), zap.Error(err))
				mu.Lock()
				runErr = multierr.Append(runErr, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	goRun("processor", func() error { return processor.Run(ctx) })
	if terminal != nil {
		goRun("terminal", func() error { terminal.Run(ctx); return nil })
	}

	// initialize UDP connection to telegraf
	if cfg.Telemetry.UDPAddress != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.Telemetry.UDPAddress)
		if err != nil {
			return fmt.Errorf("resolve telegraf address: %w", err)
		}
		udpConn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			return fmt.Errorf("dial telegraf: %w", err)
		}
		closers = append(closers, udpConn)

		sampler := processing.NewSampler(cfg.Telemetry.Interval, udpConn, estimator, speeds, session.ID, log)
		goRun("sampler", func() error { sampler.Run(ctx); return nil })
	}

	if cfg.HTTP.Address != "" {
		var lister api.ExportLister
		if archive != nil {
			lister = archive
		}
		server := api.NewServer(ctx, session, lister, hub, log)
		goRun("http", func() error { return server.Run(ctx, cfg.HTTP.Address, cfg.HTTP.ReadHeaderTimeout) })
	}

	if err := session.Start(ctx); err != nil {
		return err
	}
	log.Info("[main] noise meter running",
		zap.String("session", session.ID()),
		zap.String("audio", cfg.Audio.Source),
		zap.Bool("gps", cfg.GPSEnabled()),
		zap.Duration("interval", cfg.Level.Interval),
	)

	<-ctx.Done()
	log.Info("[main] received shutdown signal")

	session.Stop()
	hub.Close()
	wg.Wait()

	if snap := estimator.Snapshot(); snap.Count > 0 {
		avg, _ := snap.Average()
		log.Info("[main] session summary",
			zap.String("session", session.ID()),
			zap.Int64("count", snap.Count),
			zap.Float64("min", snap.Minimum),
			zap.Float64("avg", avg),
			zap.Float64("max", snap.Maximum),
		)
	}
	return runErr
}

func newAudioSource(cfg *config.Config, log *zap.Logger) (sensor.Source[level.SampleBlock], error) {
	switch cfg.Audio.Source {
	case config.AudioMicrophone:
		return mic.NewMicrophone(cfg.Audio.SampleRate, cfg.Audio.BlockSize, log), nil
	case config.AudioTone:
		tone := audio.NewTone(cfg.Audio.ToneAmplitude, 0)
		tone.BlockSize = cfg.Audio.BlockSize
		if cfg.Audio.SampleRate > 0 {
			tone.SampleRate = cfg.Audio.SampleRate
		}
		return tone, nil
	case config.AudioNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown audio source %q", cfg.Audio.Source)
}

func newLocationSource(cfg *config.Config, log *zap.Logger) sensor.Source[speed.Reading] {
	switch {
	case cfg.GPS.Replay != "":
		return gps.NewReplayFileWatcher(cfg.GPS.Replay, cfg.GPSOptions(), log)
	case cfg.GPS.Port != "":
		return gps.NewSerialWatcher(cfg.GPS.Port, cfg.GPS.Baud, cfg.GPSOptions(), log)
	}
	return nil
}
