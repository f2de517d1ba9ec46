package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	kucoin "github.com/CAJUDA30/kucoin"
	"github.com/CAJUDA30/kucoin/configs"
	"github.com/CAJUDA30/kucoin/internal/bus"
	"github.com/CAJUDA30/kucoin/internal/db"
	"github.com/CAJUDA30/kucoin/internal/health"
	"github.com/CAJUDA30/kucoin/internal/metrics"
	"github.com/CAJUDA30/kucoin/internal/optimizer"
	"github.com/CAJUDA30/kucoin/internal/quality"
	"github.com/CAJUDA30/kucoin/internal/scheduler"
	"github.com/CAJUDA30/kucoin/pkg/ratelimit"
)

func main() {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	conf, err := configs.LoadConfig("configs/config.yml")
	if err != nil {
		panic(err)
	}

	eventBus := bus.New(log.With().Str("component", "bus").Logger())

	limiter := ratelimit.New(conf.ToRateLimitConfig(),
		ratelimit.WithLogger(log.With().Str("component", "ratelimit").Logger()),
	)

	sched := scheduler.New(conf.ToSchedulerConfig(),
		scheduler.WithLogger(log.With().Str("component", "scheduler").Logger()),
	)

	controller, err := kucoin.NewController(conf.ToControllerConfig(),
		kucoin.WithControllerLogger(log.With().Str("component", "controller").Logger()),
	)
	if err != nil {
		panic(err)
	}

	opt := optimizer.New(conf.ToOptimizerBounds(),
		optimizer.WithLogger(log.With().Str("component", "optimizer").Logger()),
		optimizer.WithPublisher(eventBus),
		optimizer.WithPeriod(conf.OptimizerPeriod()),
	)

	qualityMgr := quality.NewManager(quality.ManagerConfig{},
		quality.WithManagerLogger(log.With().Str("component", "quality").Logger()),
		quality.WithManagerPublisher(eventBus),
	)
	validator := quality.NewValidator(quality.ValidatorConfig{}, qualityMgr,
		quality.WithValidatorLogger(log.With().Str("component", "validator").Logger()),
		quality.WithValidatorPublisher(eventBus),
	)
	_ = validator // handed to the trading subsystem once it connects

	checker := health.NewChecker()

	dsn := conf.Database.DSN
	if dsn == "" {
		dsn = os.Getenv("STATS_DSN")
	}
	var recorder *db.MySQLRecorder
	if dsn != "" {
		recorder, err = db.NewMySQLRecorder(dsn)
		if err != nil {
			panic(err)
		}
		defer recorder.Close()
		checker.Update("database", true)
	} else {
		log.Warn().Msg("no stats DSN configured, persistence disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller.Start(ctx)
	sched.Start(ctx)
	opt.Start(ctx)

	exporter := metrics.NewExporter(
		metrics.WithController(controller.Stats),
		metrics.WithLimiter(limiter.Stats),
		metrics.WithScheduler(sched.Stats),
		metrics.WithOptimizer(opt.Stats),
		metrics.WithBus(eventBus.Stats),
	)
	if addr := conf.Metrics.ListenAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(exporter))
			mux.Handle("/healthz", checker.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	reportChan := make(chan string)
	go func() {
		ticker := time.NewTicker(conf.ReportInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(reportChan)
				return
			case now := <-ticker.C:
				stats := controller.Stats()
				checker.Update("rate_limiter", limiter.Stats().Healthy())
				if recorder != nil {
					if err := recorder.RecordControllerStats(now, stats); err != nil {
						log.Error().Err(err).Msg("failed to persist controller stats")
					}
					if err := recorder.RecordOptimizerSnapshot(now, opt.Parameters()); err != nil {
						log.Error().Err(err).Msg("failed to persist optimizer snapshot")
					}
				}
				reportChan <- fmt.Sprintf("%s\n%s\n%s",
					stats.Dashboard(),
					limiter.Stats().StatusLine(),
					sched.Stats().StatusLine(),
				)
			}
		}
	}()

	for update := range reportChan {
		fmt.Println(update)
	}
}
