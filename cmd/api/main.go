package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/uahtechtube/finxchange/internal/api"
	"github.com/uahtechtube/finxchange/internal/config"
	"github.com/uahtechtube/finxchange/internal/events"
	"github.com/uahtechtube/finxchange/internal/events/kafka"
	"github.com/uahtechtube/finxchange/internal/processor"
	"github.com/uahtechtube/finxchange/internal/store"
)

func main() {
	godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "finxchange-api").Logger()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Env == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}

	ctx := context.Background()

	db, err := store.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		defer rdb.Close()
	} else {
		log.Warn().Msg("REDIS_ADDR not set; idempotency replay protection disabled")
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	proc := processor.NewClient(cfg.ProcessorURL, cfg.ProcessorAPIKey)
	handler := api.NewHandler(db, proc, publisher, cfg.WebhookSecret, log)

	idempotent := api.Idempotency(rdb, log)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Handle("/transfers/bank", idempotent(http.HandlerFunc(handler.CreateBankTransfer))).Methods("POST")
	apiV1.Handle("/transfers/wallet", idempotent(http.HandlerFunc(handler.CreateWalletTransfer))).Methods("POST")
	apiV1.Handle("/bills", idempotent(http.HandlerFunc(handler.CreateBillPurchase))).Methods("POST")
	apiV1.HandleFunc("/wallet", handler.GetWallet).Methods("GET")
	apiV1.HandleFunc("/transactions", handler.ListTransactions).Methods("GET")
	apiV1.HandleFunc("/webhooks/payments", handler.PaymentWebhook).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
