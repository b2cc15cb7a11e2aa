package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"csv-import-service/internal/config"
	"csv-import-service/internal/dispatch"
	"csv-import-service/internal/handlers"
	"csv-import-service/internal/importer"
	"csv-import-service/internal/ims"
	"csv-import-service/internal/middleware"
	"csv-import-service/internal/writer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()

	// Initialize logrus logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Environment == "production" {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Connect to NATS JetStream (the dispatch transport)
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("csv-import-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal("Failed to connect to NATS:", err)
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		log.Fatal("Failed to create JetStream context:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := dispatch.EnsureStream(ctx, js, cfg.StreamName, cfg.DedupWindow); err != nil {
		cancel()
		log.Fatal("Failed to ensure dispatch stream:", err)
	}
	cancel()
	log.Println("✓ Connected to NATS JetStream for dispatch")

	// Remote inventory API client, constructed once and shared
	imsClient := ims.NewClient(ims.Config{
		BaseURL:           cfg.IMSAPIURL,
		APIKey:            cfg.IMSAPIKey,
		Token:             cfg.IMSToken,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, logger)

	// Upsert engine consuming the writer lanes
	engine := writer.NewEngine(imsClient, writer.DefaultRegistry(), logger)
	consumers, err := dispatch.NewLaneConsumers(js, dispatch.ConsumerConfig{
		Stream:         cfg.StreamName,
		ConsumerPrefix: cfg.ConsumerPrefix,
		Lanes:          cfg.MaxLanes,
		AckWait:        cfg.AckWait,
		MaxDeliver:     cfg.MaxDeliver,
	}, engine, logger)
	if err != nil {
		log.Fatal("Failed to create lane consumers:", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := consumers.Start(startCtx); err != nil {
		startCancel()
		log.Fatal("Failed to start lane consumers:", err)
	}
	startCancel()

	// Importer handling file-attached notifications
	publisher := dispatch.NewJetStreamPublisher(js, logger)
	imp := importer.New(imsClient, publisher, importer.NewHTTPFetcher(), cfg.MaxLanes, logger)
	importHandler := handlers.NewImportHandler(imp, logger)

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	// Health check endpoints (no auth required)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadyCheck(nc))

	// Notification endpoint
	events := router.Group("/events")
	events.Use(middleware.WebhookAuth(cfg.WebhookToken))
	{
		events.POST("/file-attached", importHandler.FileAttached)
	}

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("CSV import service starting on port %s", cfg.Port)
		if err := router.Run(":" + cfg.Port); err != nil {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	log.Println("Shutting down csv-import-service...")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := consumers.Close(closeCtx); err != nil {
		log.Printf("Error stopping lane consumers: %v", err)
	}

	log.Println("CSV import service stopped")
}
