package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/3rs4lg4d0/courier/dedup"
	dedupredis "github.com/3rs4lg4d0/courier/dedup/redis"
	"github.com/3rs4lg4d0/courier/internal/chatapi"
	"github.com/3rs4lg4d0/courier/internal/config"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/metrics"
	prommetrics "github.com/3rs4lg4d0/courier/metrics/prometheus"
	tallymetrics "github.com/3rs4lg4d0/courier/metrics/tally"
	"github.com/3rs4lg4d0/courier/notify"
	"github.com/3rs4lg4d0/courier/outbox"
	kafkaqueue "github.com/3rs4lg4d0/courier/queue/kafka"
	memqueue "github.com/3rs4lg4d0/courier/queue/memory"
	rtredis "github.com/3rs4lg4d0/courier/realtime/redis"
	gormrepo "github.com/3rs4lg4d0/courier/repository/gorm"
	"github.com/3rs4lg4d0/courier/repository/pgxv5"
	sqlrepo "github.com/3rs4lg4d0/courier/repository/sql"
	"github.com/3rs4lg4d0/courier/router"
	"github.com/3rs4lg4d0/courier/scheduler"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	tally "github.com/uber-go/tally/v4"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 10 * time.Second

// txKey is the context key business code stores its transaction under.
type txKey struct{}

// stores groups the persistence of both tables for the selected driver.
type stores struct {
	outbox    outbox.Repository
	scheduled scheduler.Repository
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Database.Driver {
	case "gorm":
		db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
			SkipDefaultTransaction: true,
			Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("could not open the database: %w", err)
		}
		return &stores{
			outbox:    gormrepo.New(txKey{}, db, gormrepo.WithClaimTimeout(cfg.Database.ClaimTimeout)),
			scheduled: gormrepo.NewScheduledStore(db),
			close: func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			},
		}, nil
	case "sql":
		db, err := sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("could not open the database: %w", err)
		}
		return &stores{
			outbox:    sqlrepo.New(txKey{}, db, true, sqlrepo.WithClaimTimeout(cfg.Database.ClaimTimeout)),
			scheduled: sqlrepo.NewScheduledStore(db, true),
			close:     func() { _ = db.Close() },
		}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("could not create the connection pool: %w", err)
		}
		return &stores{
			outbox:    pgxv5.New(txKey{}, pool, pgxv5.WithClaimTimeout(cfg.Database.ClaimTimeout)),
			scheduled: pgxv5.NewScheduledStore(pool),
			close:     pool.Close,
		}, nil
	}
}

// metricsBackend returns the counter registry and, when the backend can be
// scraped, its HTTP handler.
func metricsBackend(cfg *config.Config) (metrics.Registry, http.Handler, func()) {
	if strings.EqualFold(cfg.Metrics.Backend, "tally") {
		scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "courier"}, time.Second)
		return &tallymetrics.Registry{Scope: scope}, nil, func() { _ = closer.Close() }
	}
	reg := prommetrics.NewRegistry("courier")
	return reg, reg.Handler(), func() {}
}

func newOpsRouter(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	return r
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	registry, metricsHandler, closeMetrics := metricsBackend(cfg)
	defer closeMetrics()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	chat := chatapi.New(cfg.ChatAPI.BaseURL,
		chatapi.WithToken(cfg.ChatAPI.Token),
		chatapi.WithHTTPClient(&http.Client{Timeout: cfg.ChatAPI.Timeout}))

	publisher := rtredis.NewPublisher(rdb)
	fanout := notify.New(chat, rtredis.NewPresence(rdb), dedupredis.New(rdb, "courier:"), &notify.LogPusher{Logger: log},
		notify.WithCounter(registry.Counter("push_sent", "Push notifications sent")))
	rt := router.New(publisher, chat,
		router.WithFanout(fanout),
		router.WithCounters(
			registry.Counter("events_handled", "Events handled by the router"),
			registry.Counter("events_failed", "Events the router failed to handle")))
	logger.Inject(log, publisher, fanout, rt)

	g, ctx := errgroup.WithContext(ctx)

	queue, err := startQueue(ctx, g, cfg, rt, dedupredis.New(rdb, "courier:"), registry, log)
	if err != nil {
		return err
	}

	if cfg.Forwarder.Enabled {
		ob := outbox.New(outbox.Settings{
			EnableForwarder: true,
			PollingInterval: cfg.Forwarder.Interval,
			BatchSize:       cfg.Forwarder.Batch,
		}, st.outbox, queue,
			outbox.WithLogger(log),
			outbox.WithCounters(
				registry.Counter("outbox_published", "Outbox events handed to the queue"),
				registry.Counter("outbox_failed", "Outbox events the queue rejected")))
		g.Go(func() error { return ob.Run(ctx) })
	}

	if cfg.Dispatcher.Enabled {
		d := scheduler.NewDispatcher(scheduler.Settings{
			TickInterval: cfg.Dispatcher.Interval,
			BatchSize:    cfg.Dispatcher.Batch,
			StaleAfter:   cfg.Dispatcher.StaleAfter,
		}, st.scheduled, chat,
			scheduler.WithLogger(log),
			scheduler.WithCounters(
				registry.Counter("scheduled_sent", "Scheduled messages sent"),
				registry.Counter("scheduled_failed", "Scheduled messages that failed")))
		g.Go(func() error { return d.Run(ctx) })
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: newOpsRouter(metricsHandler), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info(fmt.Sprintf("ops endpoints listening on %s", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startQueue starts the selected queue backend and returns the side the
// forwarder enqueues into.
func startQueue(ctx context.Context, g *errgroup.Group, cfg *config.Config, h outbox.Handler,
	seen dedup.Store, registry metrics.Registry, log logger.Logger) (outbox.Queue, error) {
	completed := registry.Counter("jobs_completed", "Queue jobs completed")
	failed := registry.Counter("jobs_failed", "Queue jobs that exhausted their retries")

	if cfg.Queue.Backend != "kafka" {
		log.Warn("the memory queue backend loses waiting jobs on shutdown or crash, use it for development and tests only")
		q := memqueue.New(h, memqueue.WithWorkers(cfg.Queue.Workers), memqueue.WithCounters(completed, failed))
		q.SetLogger(log)
		g.Go(func() error { return q.Run(ctx) })
		return q, nil
	}

	kp, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Queue.Kafka.Brokers,
		"linger.ms":          5,
		"acks":               -1,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create the kafka producer: %w", err)
	}
	kc, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Queue.Kafka.Brokers,
		"group.id":           cfg.Queue.Kafka.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		kp.Close()
		return nil, fmt.Errorf("could not create the kafka consumer: %w", err)
	}

	producer := kafkaqueue.NewProducer(kp)
	consumer := kafkaqueue.NewConsumer(kc, h, seen, kafkaqueue.WithCounters(completed, failed))
	logger.Inject(log, producer, consumer)

	g.Go(func() error {
		defer kp.Close()
		defer kc.Close()
		return consumer.Run(ctx)
	})
	return producer, nil
}
