// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mandersson1024/intonation-toy-sub007/cmd"
	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/config"
	"github.com/mandersson1024/intonation-toy-sub007/internal/engine"
	"github.com/mandersson1024/intonation-toy-sub007/internal/source"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transfer"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transport"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transport/udp"
	"github.com/mandersson1024/intonation-toy-sub007/pkg/build"
)

// main runs in three phases:
//
//  1. Startup (cold path): build info, argument parsing, configuration
//     loading, PortAudio initialization.
//  2. Concurrent (hot path): the engine's producer callback and
//     consumer goroutine, transports, optional config watcher.
//  3. Shutdown (cold path): stop capture first so the producer is
//     quiescent, then drain and close the engine and transports.
func main() {
	build.Initialize()

	opts, err := cmd.ParseArgs()
	if err != nil {
		logrus.Fatal(err)
	}
	if opts.Command == "" {
		// help, version or completion output already printed
		return
	}

	setupLogging(opts.Config)

	switch opts.Command {
	case "analyze":
		err = runAnalyze(opts)
	default:
		err = runLive(opts)
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.Debug && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

// runLive captures from the configured input device until interrupted.
func runLive(opts *cmd.Options) error {
	cfg := opts.Config

	// One thread for the capture callback, one for everything else.
	runtime.GOMAXPROCS(2)

	if err := engine.InitializeAudio(); err != nil {
		return err
	}
	defer engine.TerminateAudio()

	eng, err := engine.NewEngine(cfg)
	if err != nil {
		return err
	}
	cleanup, err := wireTransports(eng, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	logEvents(eng)

	if err := eng.Start(context.Background()); err != nil {
		return err
	}
	defer eng.Close()

	capture, err := engine.NewCapture(cfg.Audio, eng)
	if err != nil {
		return err
	}
	if err := capture.Start(); err != nil {
		return err
	}
	defer capture.Stop()

	if opts.Watch {
		if opts.ConfigPath == "" {
			logrus.Warn("config watching requires --config, skipping")
		} else {
			watcher, err := config.NewWatcher(opts.ConfigPath, func(next *config.Config) {
				applyReload(eng, next)
			})
			if err != nil {
				logrus.WithError(err).Warn("config watcher unavailable")
			} else {
				defer watcher.Close()
				logrus.WithField("path", opts.ConfigPath).Info("watching configuration")
			}
		}
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	logrus.Info("capturing, press ctrl-c to stop")
	<-done

	return nil
}

// runAnalyze pumps a decoded audio file through the same pipeline the
// live path uses.
func runAnalyze(opts *cmd.Options) error {
	cfg := opts.Config

	src, err := source.Open(opts.AnalyzePath)
	if err != nil {
		return err
	}
	defer src.Close()

	var in source.Source = src
	if src.Channels() > 1 {
		in = source.NewMonoMixer(src)
	}

	// Analysis runs at the file's native rate.
	cfg.Audio.SampleRate = float64(in.SampleRate())
	cfg.Volume.SampleRate = cfg.Audio.SampleRate
	if err := cfg.Validate(); err != nil {
		return err
	}

	eng, err := engine.NewEngine(cfg)
	if err != nil {
		return err
	}
	cleanup, err := wireTransports(eng, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	logEvents(eng)

	if err := eng.Start(context.Background()); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"path":        opts.AnalyzePath,
		"sample_rate": in.SampleRate(),
		"channels":    src.Channels(),
	}).Info("analyzing file")

	buf := make([]float32, analysis.Quantum)
	for {
		n, readErr := in.ReadSamples(buf)
		if n > 0 {
			// Pace against the consumer so nothing is dropped; a file
			// pump has no real-time deadline to honor.
			for queued, capacity := eng.Backlog(); queued*2 >= capacity; queued, capacity = eng.Backlog() {
				time.Sleep(500 * time.Microsecond)
			}
			eng.PushSamples(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			eng.Close()
			return fmt.Errorf("reading %s: %w", opts.AnalyzePath, readErr)
		}
	}

	// Close drains every in-flight batch before returning.
	if err := eng.Close(); err != nil {
		return err
	}

	st := eng.Stats()
	fmt.Printf("\nAnalyzed %s\n", opts.AnalyzePath)
	fmt.Printf("  blocks: %d  batches: %d  measurements: %d  gated: %d  dropped: %d\n",
		st.BlocksExtracted, st.BatchesEmitted, st.MeasurementsPublished,
		st.GatedBlocks, st.DroppedPoolExhausted+st.DroppedChannelFull)
	if m, ok := eng.LatestMeasurement(); ok {
		fmt.Printf("  last: %.1f Hz  clarity %.2f  rms %.1f dB  peak %.1f dB  loudness %s\n",
			m.FrequencyHz, m.Clarity, m.RMSDB, m.PeakDB, m.Loudness)
	}
	return nil
}

// wireTransports attaches the measurement sinks the configuration
// enables. The engine owns transports added through AddTransport; the
// returned cleanup stops everything with its own lifecycle.
func wireTransports(eng *engine.Engine, cfg *config.Config) (func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Debug {
		if err := eng.AddTransport(transport.NewLoggingTransport()); err != nil {
			return nil, err
		}
	}

	if ws := cfg.Transport.WebSocket; ws.Enabled {
		t, err := transport.NewWebSocketTransport(ws.ListenAddress, ws.Path, ws.MaxRateHz)
		if err != nil {
			cleanup()
			return nil, err
		}
		if err := eng.AddTransport(t); err != nil {
			t.Close()
			cleanup()
			return nil, err
		}
		logrus.WithField("addr", t.Addr()).Info("websocket transport listening")
	}

	if u := cfg.Transport.UDP; u.Enabled {
		sender, err := udp.NewSender(u.TargetAddress)
		if err != nil {
			cleanup()
			return nil, err
		}
		pub, err := udp.NewPublisher(time.Duration(u.SendInterval), sender, eng)
		if err != nil {
			sender.Close()
			cleanup()
			return nil, err
		}
		pub.Start()
		cleanups = append(cleanups, func() {
			pub.Stop()
			sender.Close()
		})
		logrus.WithFields(logrus.Fields{
			"target":   u.TargetAddress,
			"interval": time.Duration(u.SendInterval).String(),
		}).Info("udp publisher started")
	}

	return cleanup, nil
}

// logEvents drains the engine's event channel for the life of the
// process so lifecycle notices and processing errors reach the log.
func logEvents(eng *engine.Engine) {
	go func() {
		for env := range eng.Events() {
			switch p := env.Payload.(type) {
			case transfer.ProcessorReady:
				logrus.WithFields(logrus.Fields{
					"batch_size":  p.BatchSize,
					"sample_rate": p.SampleRate,
				}).Info("processor ready")
			case transfer.ProcessingStarted:
				logrus.Info("processing started")
			case transfer.ProcessingStopped:
				logrus.Info("processing stopped")
			case *transfer.ProcessingError:
				logrus.WithField("code", p.Code.String()).Warn(p.Message)
			}
		}
	}()
}

// applyReload pushes the live-appliable sections of a reloaded
// configuration into the running engine. Structural sections are
// refused by the engine; they need a restart.
func applyReload(eng *engine.Engine, next *config.Config) {
	if err := eng.Control(transfer.UpdateVolume{Config: next.Volume.VolumeConfig}); err != nil {
		logrus.WithError(err).Warn("volume reload rejected")
	}
	if err := eng.Control(transfer.UpdateSmoothing{
		Target: transfer.SmoothFrequency,
		Config: next.Smoothing.Frequency,
	}); err != nil {
		logrus.WithError(err).Warn("frequency smoothing reload rejected")
	}
	if err := eng.Control(transfer.UpdateSmoothing{
		Target: transfer.SmoothClarity,
		Config: next.Smoothing.Clarity,
	}); err != nil {
		logrus.WithError(err).Warn("clarity smoothing reload rejected")
	}

	blockCfg, err := next.Analyzer.BlockConfig()
	if err != nil {
		logrus.WithError(err).Warn("analyzer reload rejected")
		return
	}
	if err := eng.Control(transfer.UpdateAnalyzer{Config: blockCfg}); err != nil {
		logrus.WithError(err).Info("analyzer reload needs a restart")
	}
}
