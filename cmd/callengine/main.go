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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callengine/callengine/internal/calllog"
	"github.com/callengine/callengine/internal/carrier"
	"github.com/callengine/callengine/internal/codec"
	"github.com/callengine/callengine/internal/config"
	"github.com/callengine/callengine/internal/email"
	"github.com/callengine/callengine/internal/eventbus"
	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/mediastream"
	"github.com/callengine/callengine/internal/metrics"
	"github.com/callengine/callengine/internal/middleware"
	"github.com/callengine/callengine/internal/push"
	"github.com/callengine/callengine/internal/queue"
	"github.com/callengine/callengine/internal/records"
	"github.com/callengine/callengine/internal/speech"
	"github.com/callengine/callengine/internal/statestore"
	"github.com/callengine/callengine/internal/transfer"
	"github.com/callengine/callengine/internal/wave"
	"github.com/callengine/callengine/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting callengine",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"tls", cfg.TLSCert != "",
	)

	state, err := statestore.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer state.Close()
	state.StartSweeper()
	defer state.StopSweeper()

	recordStore, err := records.Open(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open record store", "error", err)
		os.Exit(1)
	}
	defer recordStore.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	events := eventbus.New(state, logger)
	pushClient := push.NewClient(cfg.PushGatewayURL, cfg.LicenseKey)
	if !pushClient.Configured() {
		logger.Warn("no push gateway configured; dashboard mobile notifications disabled")
	}
	events.SetPusher(push.NewDispatcher(pushClient, recordStore, logger))

	q := queue.New(state, time.Duration(cfg.HoldAvgCallSecs)*time.Second, cfg.CallStateTTL())
	xfer := transfer.New(q, cfg.DialTimeout())
	cl := calllog.New(recordStore, logger)

	carrierClient := carrier.NewClient(cfg.CarrierBaseURL, cfg.CarrierAccountSid, cfg.CarrierAuthToken)
	if !carrierClient.Configured() {
		logger.Warn("no carrier credentials configured; outbound dialing and media-stream hand-off will fail")
	}

	notifier := email.NewSender(logger)
	if !cfg.SMTPConfig().Valid() {
		logger.Warn("no SMTP configuration; shift-abandonment notification emails will fail")
	}

	waveScheduler := wave.New(state, recordStore, cl, carrierClient, events, notifier, logger, wave.Config{
		PublicBaseURL:     cfg.PublicBaseURL,
		Rounds:            cfg.WaveRounds,
		EmployeesPerRound: cfg.WaveConcurrency,
		RoundBackoffBase:  cfg.WaveBackoff(),
		Concurrency:       cfg.WaveConcurrency,
		DialTimeout:       cfg.DialTimeout(),
		SMTP:              cfg.SMTPConfig(),
	})

	dispatcher := webhook.New(state, recordStore, q, xfer, cl, events, waveScheduler, logger, webhook.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		Limits: fsm.Limits{
			MaxAttempts:            cfg.MaxAttemptsPerField,
			FallbackTransferNumber: cfg.FallbackTransferNumber,
		},
		GatherTimeout:  cfg.GatherTimeout(),
		DialTimeout:    cfg.DialTimeout(),
		CallStateTTL:   cfg.CallStateTTL(),
		HoldMusicURL:   cfg.HoldMusicURL,
		MediaStreamURL: cfg.MediaStreamURL(),
	})

	waveScheduler.StartScanner(appCtx, cfg.WaveScanInterval())

	mediaSrv := mediastream.New(dispatcher, carrierClient, speech.ToneTTS{Encoding: codec.ULaw}, speech.SilentSTT{}, logger, mediastream.Config{
		Encoding:           codec.ULaw,
		Voice:              "default",
		Lang:               cfg.LangDefault,
		VADSilence:         cfg.VADSilence(),
		VADEnergyThreshold: cfg.VADEnergyThreshold,
		SpeakTimeout:       cfg.GatherTimeout(),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(recordStore, q, waveScheduler, events, mediaSrv, cl, time.Now()))

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		logger.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}
	webhookLimiter := middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig())
	defer webhookLimiter.Stop()
	dashboardLimiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	defer dashboardLimiter.Stop()

	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.RequestID)
	r.Use(middleware.StructuredLogger, middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(cfg.TLSEnabled()))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(cfg.CORSOrigins)))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(webhookLimiter))
		dispatcher.Routes(r)
		mediaSrv.Routes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(dashboardLimiter))
		r.Use(middleware.RequireOperatorAuth(jwtSecret))
		r.Get("/events/stream", func(w http.ResponseWriter, req *http.Request) {
			providerID := middleware.ProviderIDFromContext(req.Context())
			events.ServeSSE(w, req, providerID)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(dashboardLimiter))
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		var err error
		if cfg.TLSCert != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("callengine stopped")
}
