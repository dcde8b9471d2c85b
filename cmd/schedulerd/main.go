// Command schedulerd runs the scheduler engine and its operational HTTP
// surface as a standalone daemon.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	event "github.com/riverchime/scheduler"
	"github.com/riverchime/scheduler/coldstore"
	"github.com/riverchime/scheduler/hotstore"
	"github.com/riverchime/scheduler/idempotency"
	"github.com/riverchime/scheduler/lockmanager"
	"github.com/riverchime/scheduler/monitor"
	"github.com/riverchime/scheduler/publish"
)

func main() {
	cfg := event.LoadConfigFromEnv()
	logger := cfg.Logger
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: envOr("REDIS_ADDR", "localhost:6379")})
	defer redisClient.Close()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(envOr("MONGO_URI", "mongodb://localhost:27017")))
	if err != nil {
		log.Fatalf("schedulerd: connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(envOr("MONGO_DATABASE", "scheduler"))

	hot := hotstore.NewRedisStore(redisClient, cfg.KeyPrefix)
	cold := coldstore.NewMongoColdStore(db)
	locks := lockmanager.NewRedisManager(redisClient, cfg.KeyPrefix)

	var dedup idempotency.Store
	if envOr("SCHEDULER_DEDUP", "") != "" {
		dedup = idempotency.NewRedisStore(redisClient, 24*time.Hour, cfg.KeyPrefix+"idemp:")
	}

	publisher, closePublisher, err := buildPublisher(ctx)
	if err != nil {
		log.Fatalf("schedulerd: build publisher: %v", err)
	}
	defer closePublisher()

	metrics := event.NewMetric("")
	if err := metrics.Register(nil); err != nil {
		logger.Warn("failed to register some metrics", "error", err)
	}

	engine, err := event.NewEngine(event.EngineConfig{
		Config:           cfg,
		ColdStore:        cold,
		HotStore:         hot,
		LockManager:      locks,
		Publisher:        publisher,
		IdempotencyStore: dedup,
	})
	if err != nil {
		log.Fatalf("schedulerd: build engine: %v", err)
	}

	handler := monitor.New(engine.ColdStore(), engine.HotStore(), engine.AnalyticsStore(), engine, engine, engine)
	srv := &http.Server{Addr: envOr("HTTP_ADDR", ":8080"), Handler: handler}

	go func() {
		logger.Info("operational surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	go func() {
		if err := engine.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("engine stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error("engine shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildPublisher selects a Publisher implementation from SCHEDULER_PUBLISHER
// (kafka, nats, or memory; defaults to memory for local development) and
// returns a func that releases whatever underlying client it opened.
func buildPublisher(ctx context.Context) (event.Publisher, func(), error) {
	switch envOr("SCHEDULER_PUBLISHER", "memory") {
	case "kafka":
		brokers := []string{envOr("KAFKA_BROKERS", "localhost:9092")}
		client, err := sarama.NewClient(brokers, sarama.NewConfig())
		if err != nil {
			return nil, nil, err
		}
		p, err := publish.NewKafkaPublisher(client, envOr("KAFKA_TOPIC_PREFIX", "sched."))
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return p, func() { p.Close(context.Background()) }, nil

	case "nats":
		conn, err := nats.Connect(envOr("NATS_URL", nats.DefaultURL))
		if err != nil {
			return nil, nil, err
		}
		p, err := publish.NewNATSPublisher(conn, envOr("NATS_SUBJECT_PREFIX", "sched."))
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return p, func() { conn.Close() }, nil

	default:
		return publish.NewMemoryPublisher(), func() {}, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
