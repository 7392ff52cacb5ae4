package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/user/callpersona/internal/delivery"
	"github.com/user/callpersona/internal/media"
	"github.com/user/callpersona/internal/metrics"
	"github.com/user/callpersona/internal/scheduler"
	"github.com/user/callpersona/internal/server"
	"github.com/user/callpersona/internal/stt"
	"github.com/user/callpersona/internal/telegram"
)

const pidFileName = "callpersona.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the callpersona daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Transcripts.RetentionSchedule != "" {
		if err := scheduler.ValidateSchedule(cfg.Transcripts.RetentionSchedule); err != nil {
			return fmt.Errorf("transcripts.retention_schedule: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Call collaborators
	scenarios := loadScenarios(cfg)
	budget, err := newBudget(cfg)
	if err != nil {
		return err
	}
	sink, files, closeSink, err := transcriptSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open transcript sink: %w", err)
	}
	defer closeSink()

	// Delivery registry
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("log:", delivery.LogHandler(slog.Default()))

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, recentCalls(files), slog.Default())
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register(telegram.TargetPrefix, adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}
	notifier := delivery.NewNotifier(deliveryReg, cfg.Notify.Targets, slog.Default())

	bridge := media.NewBridge(media.Deps{
		Scenarios:         scenarios,
		DefaultScenario:   cfg.Scenarios.Default,
		STT:               newTranscriber(cfg),
		STTOptions:        sttOptions(cfg),
		STTRetry:          stt.DefaultRetryPolicy(),
		Provider:          newProvider(cfg),
		Synth:             newSynthesizer(cfg),
		Budget:            budget,
		Sink:              sink,
		CallEnded:         notifier.CallEnded,
		CompletionTimeout: cfg.Session.CompletionTimeout.D(),
		SynthesisTimeout:  cfg.Session.SynthesisTimeout.D(),
		CloseGrace:        cfg.Session.CloseGrace.D(),
		MaxInboundFPS:     cfg.Session.MaxInboundFPS,
		Metrics:           m,
		Logger:            slog.Default(),
	})

	// Scheduler
	sched := scheduler.New(slog.Default())
	if files != nil {
		job := scheduler.RetentionJob(cfg.Transcripts.RetentionSchedule, cfg.Transcripts.MaxAge.D(), files, slog.Default())
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP server
	handler := server.New(ctx, server.Options{
		PublicURL:       cfg.HTTP.PublicURL,
		ScenarioMode:    cfg.HTTP.ScenarioMode,
		DefaultScenario: cfg.Scenarios.Default,
		Sessions:        bridge,
		Transcripts:     files,
		Gatherer:        reg,
		Logger:          slog.Default(),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("callpersona started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"scenarios", len(scenarios.List()),
		"transcripts", cfg.Transcripts.Backend,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-ctx.Done():
			return errors.New("http server stopped")
		}

		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}

		slog.Info("shutting down", "signal", sig)
		shutdown(httpServer, handler, cancel, cfg.Session.CloseGrace.D())
		return nil
	}
}

// shutdown stops accepting calls, then cancels live sessions so their
// transcripts are flushed before the process exits.
func shutdown(srv *http.Server, handler *server.Server, cancel context.CancelFunc, grace time.Duration) {
	ctx, done := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer done()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	cancel()
	if !handler.Drain(ctx) {
		slog.Warn("media sessions still running at exit")
	}
}
