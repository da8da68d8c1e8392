package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	WorkerCount   int
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Inbound message queue
	UseMemoryQueue      bool
	TurnQueueURL        string
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// WhatsApp channel provider
	WhatsAppBaseURL       string
	WhatsAppAPIKey        string
	WhatsAppInstance      string
	WhatsAppWebhookSecret string

	// Reply pacing
	PacerMaxSegmentLen   int
	PacerMinInitialDelay time.Duration
	PacerMaxInitialDelay time.Duration
	PacerSegmentDelay    time.Duration
	PacerMaxAttempts     int
	PacerRetryBaseDelay  time.Duration

	// Follow-up ladder
	FollowUpSweepInterval time.Duration
	FollowUpRung1Delay    time.Duration
	FollowUpRung2Delay    time.Duration
	FollowUpRung3Delay    time.Duration

	// Reasoning engine
	EngineProvider  string
	EngineTimeout   time.Duration
	FallbackReply   string
	BedrockModelID  string
	GeminiAPIKey    string
	GeminiModelID   string
	QualifyCents    int64
	EngineMaxTokens int

	// CRM pipeline
	CRMBaseURL        string
	CRMAPIToken       string
	CRMStageMapJSON   string
	CRMSweepInterval  time.Duration
	CRMRequestTimeout time.Duration

	// Google Calendar
	GoogleCredentialsJSON string
	GoogleCalendarID      string

	// Sales team notifications
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SalesTeamEmail    string

	AdminJWTSecret string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		WorkerCount:   getEnvAsInt("WORKER_COUNT", 2),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		TurnQueueURL:        getEnv("TURN_QUEUE_URL", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		WhatsAppBaseURL:       getEnv("WHATSAPP_BASE_URL", ""),
		WhatsAppAPIKey:        getEnv("WHATSAPP_API_KEY", ""),
		WhatsAppInstance:      getEnv("WHATSAPP_INSTANCE", "default"),
		WhatsAppWebhookSecret: getEnv("WHATSAPP_WEBHOOK_SECRET", ""),

		PacerMaxSegmentLen:   getEnvAsInt("PACER_MAX_SEGMENT_LEN", 280),
		PacerMinInitialDelay: getEnvAsDuration("PACER_MIN_INITIAL_DELAY", 2*time.Second),
		PacerMaxInitialDelay: getEnvAsDuration("PACER_MAX_INITIAL_DELAY", 8*time.Second),
		PacerSegmentDelay:    getEnvAsDuration("PACER_SEGMENT_DELAY", 1500*time.Millisecond),
		PacerMaxAttempts:     getEnvAsInt("PACER_MAX_ATTEMPTS", 3),
		PacerRetryBaseDelay:  getEnvAsDuration("PACER_RETRY_BASE_DELAY", 500*time.Millisecond),

		FollowUpSweepInterval: getEnvAsDuration("FOLLOWUP_SWEEP_INTERVAL", 15*time.Second),
		FollowUpRung1Delay:    getEnvAsDuration("FOLLOWUP_RUNG1_DELAY", 25*time.Minute),
		FollowUpRung2Delay:    getEnvAsDuration("FOLLOWUP_RUNG2_DELAY", 24*time.Hour),
		FollowUpRung3Delay:    getEnvAsDuration("FOLLOWUP_RUNG3_DELAY", 48*time.Hour),

		EngineProvider:  strings.ToLower(strings.TrimSpace(getEnv("ENGINE_PROVIDER", "bedrock"))),
		EngineTimeout:   getEnvAsDuration("ENGINE_TIMEOUT", 30*time.Second),
		FallbackReply:   getEnv("ENGINE_FALLBACK_REPLY", "Desculpe, tive um problema aqui. Pode repetir, por favor?"),
		BedrockModelID:  getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:   getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		QualifyCents:    getEnvAsInt64("QUALIFY_BILL_CENTS", 40000),
		EngineMaxTokens: getEnvAsInt("ENGINE_MAX_TOKENS", 1024),

		CRMBaseURL:        getEnv("CRM_BASE_URL", ""),
		CRMAPIToken:       getEnv("CRM_API_TOKEN", ""),
		CRMStageMapJSON:   getEnv("CRM_STAGE_MAP_JSON", ""),
		CRMSweepInterval:  getEnvAsDuration("CRM_SWEEP_INTERVAL", 5*time.Minute),
		CRMRequestTimeout: getEnvAsDuration("CRM_REQUEST_TIMEOUT", 10*time.Second),

		GoogleCredentialsJSON: getEnv("GOOGLE_CREDENTIALS_JSON", ""),
		GoogleCalendarID:      getEnv("GOOGLE_CALENDAR_ID", "primary"),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "SunTrack Agent"),
		SalesTeamEmail:    getEnv("SALES_TEAM_EMAIL", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsInt64(key string, fallback int64) int64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
