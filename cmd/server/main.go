package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recharge-service/config"
	"recharge-service/internal/api"
	"recharge-service/internal/broker"
	"recharge-service/internal/redisclient"
	"recharge-service/internal/service"
	"recharge-service/internal/store"
	"recharge-service/internal/util"
	"recharge-service/internal/wechat"
	"recharge-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting recharge service")

	tp, err := util.InitTracer("recharge-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	if err := db.SeedPackages(ctx, store.DefaultPackages()); err != nil {
		log.Fatalf("Failed to seed packages: %v", err)
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	signType := wechat.SignTypeMD5
	if cfg.Wechat.SignType == string(wechat.SignTypeHMACSHA256) {
		signType = wechat.SignTypeHMACSHA256
	}
	gateway := wechat.NewClient(wechat.Config{
		AppID:     cfg.Wechat.AppID,
		MchID:     cfg.Wechat.MchID,
		APIKey:    cfg.Wechat.APIKey,
		SignType:  signType,
		NotifyURL: cfg.Wechat.NotifyURL,
		BaseURL:   cfg.Wechat.BaseURL,
		Timeout:   time.Duration(cfg.Business.GatewayTimeoutSeconds) * time.Second,
	})

	orderTTL := time.Duration(cfg.Business.OrderExpireMinutes) * time.Minute
	rechargeService := service.NewRechargeService(db, redisClient, gateway, eventPublisher, orderTTL)
	notifyService := service.NewNotifyService(db, redisClient, eventPublisher, cfg.Wechat.APIKey, signType)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweepInterval := time.Duration(cfg.Business.ExpirySweepSeconds) * time.Second
	expiryWorker := worker.NewExpiryWorker(db, redisClient, gateway, eventPublisher, sweepInterval)
	go expiryWorker.Start(workerCtx)

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	defer consumer.Close()
	settlementWorker := worker.NewSettlementWorker(db, redisClient, consumer)
	go func() {
		if err := settlementWorker.Start(workerCtx); err != nil {
			log.Printf("Settlement worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(rechargeService, notifyService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()

	log.Println("Server exited")
}
