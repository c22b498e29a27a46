package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"campaignd/internal/awsutil"
	"campaignd/internal/config"
	"campaignd/internal/engine"
	"campaignd/internal/governor"
	"campaignd/internal/httpserver"
	"campaignd/internal/logging"
	"campaignd/internal/observability"
	"campaignd/internal/progress"
	sqsqueue "campaignd/internal/queue/sqs"
	"campaignd/internal/retry"
	"campaignd/internal/service"
	"campaignd/internal/store"
	"campaignd/internal/store/memory"
	"campaignd/internal/store/pg"
	"campaignd/internal/store/sqlite"
	"campaignd/internal/transport"
	"campaignd/internal/util"
)

func main() {
	cfg := config.Load()
	logger := logging.Init("campaignd", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("api store open failed", "err", err, "driver", cfg.DBDriver)
		os.Exit(1)
	}
	defer st.Close()

	sender, closer := buildSender(cfg, logger)
	if closer != nil {
		defer closer.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(reg)

	var sinks progress.Fanout
	if cfg.ProgressQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		sinks = append(sinks, &sqsqueue.ProgressPublisher{SQS: sqsClient, QueueURL: cfg.ProgressQueueURL})
		slog.Info("progress events enabled", "queue_url", cfg.ProgressQueueURL)
	}

	dispatch := dispatchConfig(cfg)
	deps := engine.Deps{
		Store:     st,
		Sender:    sender,
		Logger:    logger,
		Governors: governor.NewRegistry(dispatch.Governor),
	}
	if len(sinks) > 0 {
		deps.Progress = sinks
	}
	eng, err := engine.New(deps, dispatch)
	if err != nil {
		slog.Error("api engine init failed", "err", err)
		os.Exit(1)
	}

	svc := &service.CampaignService{
		Store:    st,
		Engine:   eng,
		Reporter: &progress.Reporter{Store: st, Interval: cfg.ProgressInterval, Logger: logger},
		RunCtx:   ctx,
	}

	s := httpserver.New()
	api := &httpserver.API{
		Svc:            svc,
		IDGen:          util.NewCampaignID,
		StreamInterval: cfg.ProgressInterval,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, httpserver.Check{Name: "store", Probe: st.Ping}))
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(s.Mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           httpserver.NewMetrics(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		// Running loops record where they stopped before the store closes.
		if err := eng.Shutdown(shutdownCtx); err != nil {
			slog.Error("engine shutdown incomplete", "err", err)
		}
		cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port, "driver", cfg.DBDriver, "transport", cfg.Transport)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
	<-ctx.Done()
}

func openStore(ctx context.Context, cfg config.APIConfig) (store.Store, error) {
	switch strings.ToLower(cfg.DBDriver) {
	case "memory":
		return memory.New(), nil
	case "postgres":
		return pg.Open(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnLifetime: cfg.DBMaxConnLifetime,
			MaxConnIdleTime: cfg.DBMaxConnIdle,
		})
	case "sqlite":
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, BusyTimeout: cfg.SQLiteBusyTimeout})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.DBDriver)
	}
}

// buildSender wraps the configured provider as limiter -> breaker -> metrics.
// The returned closer is non-nil for transports holding a connection.
func buildSender(cfg config.APIConfig, logger *slog.Logger) (transport.Sender, io.Closer) {
	var (
		base   transport.Sender
		closer io.Closer
	)
	name := strings.ToLower(cfg.Transport)
	switch name {
	case "smtp":
		s := transport.NewSMTP(transport.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			StartTLS: cfg.SMTPStartTLS,
			Timeout:  cfg.SMTPTimeout,
		})
		base, closer = s, s
	case "resend":
		base = transport.NewResend(cfg.ResendAPIKey, cfg.ResendFrom)
	case "twilio":
		base = &transport.Twilio{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
			FromNumber:          cfg.TwilioFromNumber,
			BaseURL:             cfg.TwilioBaseURL,
			HTTP:                &http.Client{Timeout: 10 * time.Second},
		}
	default:
		name = "log"
		base = &transport.Log{Logger: logger}
	}

	limited := transport.WithLimiter(base, rate.NewLimiter(rate.Limit(cfg.TransportRPS), cfg.TransportBurst))
	guarded := transport.WithBreaker(limited, transport.BreakerConfig{
		Name:                name,
		MaxRequests:         cfg.BreakerMaxRequests,
		Timeout:             cfg.BreakerTimeout,
		ConsecutiveFailures: cfg.BreakerFailures,
	})
	return transport.Instrument(guarded, name), closer
}

func dispatchConfig(cfg config.APIConfig) engine.Config {
	return engine.Config{
		Governor: governor.Config{
			PerHourCap:     cfg.GovernorPerHour,
			PerMinuteCap:   cfg.GovernorPerMinute,
			BaseDelay:      cfg.GovernorBaseDelay,
			MaxDelay:       cfg.GovernorMaxDelay,
			BurstSize:      cfg.GovernorBurstSize,
			BurstCooldown:  cfg.GovernorBurstCooldown,
			ProgressFactor: cfg.GovernorProgressFactor,
		},
		Retry: retry.Config{
			MaxRetries:      cfg.RetryMax,
			BaseDelay:       cfg.RetryBaseDelay,
			DelayMultiplier: cfg.RetryMultiplier,
			SkipPermanent:   cfg.RetrySkipPermanent,
		},
		CheckpointEvery: cfg.CheckpointEvery,
		Unsubscribe:     cfg.UnsubscribeURL,
		SaveTimeout:     cfg.SaveTimeout,
	}
}
