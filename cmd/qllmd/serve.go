package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"qllmd/internal/cmdexec"
	"qllmd/internal/config"
	"qllmd/internal/engine"
	"qllmd/internal/gpumem"
	"qllmd/internal/httpapi"
	"qllmd/internal/layout"
	"qllmd/internal/lineproto"
	"qllmd/internal/logging"
	"qllmd/internal/manager"
	"qllmd/internal/modelcache"
	"qllmd/internal/registry"
	"qllmd/pkg/types"
)

const shutdownTimeout = 5 * time.Second

func probeFor(cfg config.Config) gpumem.Probe {
	if cfg.GPUTotalBytes > 0 {
		return gpumem.Static{FreeBytes: cfg.GPUFreeBytes, TotalBytes: cfg.GPUTotalBytes}
	}
	return gpumem.Auto()
}

// newManager builds the model cache, command executor and manager for cfg.
func newManager(cfg config.Config, backend engine.Backend, probe gpumem.Probe, models []types.Model, log zerolog.Logger) *manager.Manager {
	cache := modelcache.New(modelcache.Config{
		Layouts: layout.NewGGUFReader(),
		Probe:   probe,
		Backend: backend,
		GPU:     cfg.GPUIndex,
		Logger:  log.With().Str("component", "modelcache").Logger(),
	})
	cmds := cmdexec.New(cmdexec.Config{
		Allow:   cfg.AllowCommands,
		Timeout: time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
		Logger:  log.With().Str("component", "cmdexec").Logger(),
	})
	return manager.NewWithConfig(manager.ManagerConfig{
		Registry:  models,
		Models:    cache,
		ModelPath: cfg.ModelPath,
		Load: modelcache.Request{
			ContextLength:      cfg.ContextLength,
			HardCapBytes:       cfg.MaxOffloadBytes,
			ConcurrentContexts: cfg.ExpectedConcurrentSessions,
			Threads:            cfg.ThreadCount,
			Embeddings:         !cfg.DisableEmbeddings,
		},
		Seed:          cfg.Seed,
		Mode:          cfg.SessionMode,
		MaxSessions:   cfg.MaxSessions,
		SessionTTL:    time.Duration(cfg.SessionTTLSeconds) * time.Second,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.MaxWaitSeconds) * time.Second,
		MaxGenTokens:  cfg.MaxGenTokens,
		EndMarker:     cfg.EndMarker,
		LineCapacity:  cfg.LineCapacity,
		Commands:      cmds,
		Publisher:     manager.LogPublisher{Log: log.With().Str("component", "events").Logger()},
		Logger:        log.With().Str("component", "manager").Logger(),
	})
}

func configureHTTP(cfg config.Config, log zerolog.Logger) {
	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetTurnTimeoutSeconds(cfg.TurnTimeoutSeconds)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins,
		[]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		[]string{"Content-Type", "X-Log-Level", "X-Request-Id"})
}

// serve runs the daemon until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config) error {
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	models, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("models dir not scanned")
	}
	mgr := newManager(cfg, engine.NewLlamaBackend(), probeFor(cfg), models, log)

	sanity := mgr.SanityCheck()
	ev := log.Info()
	if sanity.Error != "" {
		ev = log.Warn().Str("error", sanity.Error)
	}
	ev.Bool("engine_built", sanity.EngineBuilt).Bool("model_found", sanity.ModelFound).
		Str("model", cfg.ModelPath).Uint32("context_length", cfg.ContextLength).
		Int("threads", cfg.ThreadCount).Str("mode", cfg.SessionMode).
		Str("max_offload", humanize.IBytes(cfg.MaxOffloadBytes)).Msg("starting qllmd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	// Load in the background; /readyz reports loading until it finishes.
	go func() {
		start := time.Now()
		if err := mgr.Start(gctx); err != nil {
			log.Error().Err(err).Msg("model load failed")
			return
		}
		log.Info().Dur("took", time.Since(start)).Msg("model ready")
	}()

	if cfg.Addr != "" {
		configureHTTP(cfg, log)
		httpapi.SetBaseContext(gctx)
		srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(mgr), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		})
	}
	if cfg.LineAddr != "" {
		line := lineproto.New(mgr, lineproto.Config{Logger: log.With().Str("component", "line").Logger()})
		g.Go(func() error { return line.ListenAndServe(gctx, cfg.LineAddr) })
	}

	err = g.Wait()
	if cerr := mgr.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("manager close")
	}
	log.Info().Msg("stopped")
	return err
}
