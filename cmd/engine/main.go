// Command engine is the audio-tagging service's process entrypoint. It
// wires C1-C8 together in the startup order spec §4.8 mandates and tears
// them down in reverse on SIGINT/SIGTERM, matching the teacher's
// src/worker/main.go signal-handling shape.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"melodee/audiotag/internal/config"
	"melodee/audiotag/internal/logging"
	"melodee/audiotag/internal/maintenance"
	"melodee/audiotag/internal/orchestrator"
	"melodee/audiotag/internal/predictorcache"
	"melodee/audiotag/internal/store"
	"melodee/audiotag/internal/tagging"
	"melodee/audiotag/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logging.Init(logging.Level(cfg.Logging.Level), os.Stdout)
	logger := logging.Global()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("creating database directory")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening store")
	}
	defer st.Close()

	tagWorkerPath, err := resolveTagWorkerBinary()
	if err != nil {
		logger.Fatal().Err(err).Msg("resolving tagworker binary")
	}

	orch := orchestrator.New(cfg, st,
		workerpool.ExecSpawner(tagWorkerPath),
		tagging.DhowdenExtractor{},
		unavailableChromaprint,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("starting orchestrator")
	}

	// The predictor cache is a per-child resource (spec §4.2/§5): this
	// parent process never loads models itself, so it has none to sweep.
	// The bundled tagworker (NoopProcessor) loads no models either.
	var cache *predictorcache.Cache

	sched := maintenance.New(maintenance.Config{
		RedisAddr:           cfg.Redis.Address,
		PredictorSweepEvery: cfg.Predictor.SweepInterval,
		JobCleanupEvery:     time.Hour,
		JobCleanupMaxAge:    7 * 24 * time.Hour,
		TagCleanupEvery:     time.Hour,
	}, cache, orch.Queue(), st)

	mux := maintenance.Mux(cache, orch.Queue(), st, logger)
	if err := sched.Start(mux); err != nil {
		logger.Error().Err(err).Msg("starting maintenance scheduler (continuing without it)")
	} else {
		defer sched.Stop()
	}

	logger.Info().Msg("engine ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			reloadLogLevel(logger)
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		break
	}

	orch.Stop()
	logger.Info().Msg("engine stopped cleanly")
}

// reloadLogLevel re-reads logging.level from config on SIGHUP, letting an
// operator turn on debug logging without restarting the engine.
func reloadLogLevel(logger *logging.Logger) {
	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("reloading config on SIGHUP")
		return
	}
	if err := logger.SetLevel(logging.Level(cfg.Logging.Level)); err != nil {
		logger.Error().Err(err).Msg("applying reloaded log level")
		return
	}
	logger.Info().Str("level", cfg.Logging.Level).Msg("log level reloaded")
}

// resolveTagWorkerBinary locates the sibling tagworker binary next to the
// running engine executable, falling back to PATH lookup for dev setups
// where `go run`/`go install` place it elsewhere.
func resolveTagWorkerBinary() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), "tagworker")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	if path, lookErr := exec.LookPath("tagworker"); lookErr == nil {
		return path, nil
	}
	return "", errors.New("tagworker binary not found next to engine or on PATH")
}

// unavailableChromaprint is the default until a concrete fingerprinting
// library is wired in; move detection degrades gracefully (spec §4.7
// phase 8 treats fingerprint errors as "no match found", not fatal).
func unavailableChromaprint(string) (string, int, error) {
	return "", 0, errors.New("chromaprint computation not configured")
}
