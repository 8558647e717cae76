package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avask/parley/internal/adapters/directory"
	router "github.com/avask/parley/internal/adapters/http"
	"github.com/avask/parley/internal/adapters/rtc"
	signalws "github.com/avask/parley/internal/adapters/signal"
	"github.com/avask/parley/internal/app"
	"github.com/avask/parley/internal/app/media"
	"github.com/avask/parley/internal/app/orch"
	"github.com/avask/parley/internal/config"
	"github.com/avask/parley/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	engine, err := rtc.NewEngine(cfg.RTC.UDPPortMin, cfg.RTC.UDPPortMax)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init media engine")
	}

	dir := directory.NewMemory(int64(cfg.Afk.DefaultTimeout / time.Second))
	reg := app.NewRegistry()
	guard := app.NewAfkGuard(dir)
	defer guard.Close()
	dir.OnAfkUpdate(func(sid domain.ServerID, s domain.AfkSettings) {
		guard.UpdateAfkSettings(sid, s)
	})

	o := orch.New(reg, media.NewAdapter(engine), guard, dir, nil)
	ctl := signalws.NewController(o, cfg.ReadLimit, cfg.PingPeriod)

	monitor := orch.NewAfkMonitor(o, cfg.Afk.SweepInterval)
	go monitor.Run(ctx)

	r := router.SetupRouter(ctx, cfg, ctl, reg, dir)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Parley voice server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
