package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	DBDriver         string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	LeaseEnabled  bool
	LeaseTTL      time.Duration

	// Kafka
	KafkaBrokers       []string
	KafkaGroupID       string
	SyncEventsTopic    string
	ProcedureStepTopic string

	// Sync
	SourcesConfig string
	FetchTimeout  time.Duration
	ShutdownGrace time.Duration

	// Equipment
	AllowDeviceInitiated bool
	DeviceSourceName     string

	// Archive
	ArchiveS3Bucket string
	ArchiveS3Prefix string
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8090"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		DBDriver:         getEnv("DB_DRIVER", "postgres"),
		SQLitePath:       getEnv("SQLITE_PATH", "worklist.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "worklist"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		LeaseEnabled:  getBoolEnv("LEASE_ENABLED", false),
		LeaseTTL:      getDuration("LEASE_TTL", 2*time.Minute),

		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "worklist-sync"),
		SyncEventsTopic:    getEnv("SYNC_EVENTS_TOPIC", "worklist.sync"),
		ProcedureStepTopic: getEnv("PROCEDURE_STEP_TOPIC", "worklist.procedure-steps"),

		SourcesConfig: getEnv("SOURCES_CONFIG", "sources.yaml"),
		FetchTimeout:  getDuration("FETCH_TIMEOUT", 2*time.Minute),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 30*time.Second),

		AllowDeviceInitiated: getBoolEnv("ALLOW_DEVICE_INITIATED", false),
		DeviceSourceName:     getEnv("DEVICE_SOURCE_NAME", "device"),

		ArchiveS3Bucket: getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Prefix: getEnv("ARCHIVE_S3_PREFIX", "worklist/raw"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
