package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/proctor/internal/adapters/http"
	"github.com/dkeye/proctor/internal/adapters/rtc"
	"github.com/dkeye/proctor/internal/app"
	"github.com/dkeye/proctor/internal/app/orch"
	"github.com/dkeye/proctor/internal/app/sfu"
	"github.com/dkeye/proctor/internal/app/transform"
	"github.com/dkeye/proctor/internal/config"
	"github.com/dkeye/proctor/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: colorable.NewColorableStderr()})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)
	cfg.OnChange(func(fresh *config.Config) {
		zerolog.SetGlobalLevel(fresh.LogLevel)
		log.Info().Str("level", fresh.LogLevel.String()).Msg("log level updated")
	})

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	api, err := rtc.NewAPI(rtc.APIConfig{
		VideoCodec:  cfg.VideoCodec,
		UDPPortMin:  cfg.UDPPortMin,
		UDPPortMax:  cfg.UDPPortMax,
		DisableMDNS: cfg.DisableMDNS,
		PLIInterval: cfg.PLIInterval,
	})
	if err != nil {
		return err
	}
	video, err := rtc.VideoCodec(cfg.VideoCodec)
	if err != nil {
		return err
	}

	sinks := rtc.BlackholeSinks()
	if cfg.RecordDir != "" {
		sinks = rtc.RecorderSinks(afero.NewOsFs(), cfg.RecordDir)
		log.Info().Str("dir", cfg.RecordDir).Msg("recording enabled")
	}

	reg := app.NewRegistry()
	reg.OnChange = m.SetSessions

	// Only VP8 key frames can be turned into pixels.
	var newDecoder func() transform.Decoder
	if cfg.VideoCodec == "vp8" {
		newDecoder = func() transform.Decoder { return transform.NewVP8Decoder() }
	}

	o := &orch.Orchestrator{
		Registry: reg,
		Sessions: &rtc.Factory{
			API:           api,
			Config:        rtc.ICEConfig(cfg.ICEServers),
			Video:         video,
			Relays:        sfu.NewRelayManager(),
			Sinks:         sinks,
			RecordVideo:   cfg.RecordDir != "",
			NewDecoder:    newDecoder,
			Metrics:       m,
			GatherTimeout: cfg.ICEGatheringTimeout,
		},
		Limiter: app.NewOfferRateLimiter(cfg.OfferRateLimit, cfg.OfferRateInterval),
		Metrics: m,
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.SetupRouter(ctx, cfg, o, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Bool("tls", cfg.TLS()).Msg("proctor server started")
		var err error
		if cfg.TLS() {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return o.Run(gctx, cfg.OfferRateInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if err := o.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("some sessions failed to close")
		}
		return nil
	})
	return g.Wait()
}
