package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Port        string
	Environment string

	// Inbound notification auth
	WebhookToken string

	// Dispatch transport
	NATSURL        string
	StreamName     string
	ConsumerPrefix string
	MaxLanes       int
	DedupWindow    time.Duration
	AckWait        time.Duration
	MaxDeliver     int

	// Remote inventory API
	IMSAPIURL         string
	IMSAPIKey         string
	IMSToken          string
	RequestsPerSecond float64
}

func Load() *Config {
	maxLanes, _ := strconv.Atoi(getEnv("MAX_LANES", "10"))
	dedupMinutes, _ := strconv.Atoi(getEnv("DEDUP_WINDOW_MINUTES", "10"))
	ackWaitSeconds, _ := strconv.Atoi(getEnv("ACK_WAIT_SECONDS", "120"))
	maxDeliver, _ := strconv.Atoi(getEnv("MAX_DELIVER", "5"))
	rps, _ := strconv.ParseFloat(getEnv("IMS_REQUESTS_PER_SECOND", "10"), 64)

	return &Config{
		// Server
		Port:        getEnv("PORT", "8088"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Inbound notification auth
		WebhookToken: getEnv("WEBHOOK_TOKEN", ""),

		// Dispatch transport
		NATSURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		StreamName:     getEnv("STREAM_NAME", "CSVIMPORT"),
		ConsumerPrefix: getEnv("CONSUMER_PREFIX", "writer"),
		MaxLanes:       maxLanes,
		DedupWindow:    time.Duration(dedupMinutes) * time.Minute,
		AckWait:        time.Duration(ackWaitSeconds) * time.Second,
		MaxDeliver:     maxDeliver,

		// Remote inventory API - token issuance happens outside this service
		IMSAPIURL:         getEnv("IMS_API_URL", "https://api.thetis-ims.com/2"),
		IMSAPIKey:         getEnv("IMS_API_KEY", ""),
		IMSToken:          getEnv("IMS_TOKEN", ""),
		RequestsPerSecond: rps,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
