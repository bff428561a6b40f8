package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/banshee-data/zonecount/internal/monitoring"
)

var logf = monitoring.Component("config")

// Env holds process settings read from the environment.
type Env struct {
	DBPath     string
	Listen     string
	GRPCListen string
	ConfigPath string
	Kafka      KafkaConfig
}

// KafkaConfig configures the optional crossing-event publisher. Publishing
// is disabled when BootstrapServers is empty.
type KafkaConfig struct {
	BootstrapServers string
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	Topic            string
	Acks             string
	LingerMS         int
}

// Enabled reports whether a broker is configured.
func (k KafkaConfig) Enabled() bool { return k.BootstrapServers != "" }

// LoadEnv loads the given .env files (".env" when none are named) into the
// process environment without overriding variables already set, then reads
// the settings. A missing .env file is skipped; one that cannot be parsed
// is logged and skipped.
func LoadEnv(files ...string) Env {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			logf("ignoring %s: %v", f, err)
		}
	}
	return Env{
		DBPath:     getEnv("ZONECOUNT_DB_PATH", ""),
		Listen:     getEnv("ZONECOUNT_LISTEN", ":8080"),
		GRPCListen: getEnv("ZONECOUNT_GRPC_LISTEN", ""),
		ConfigPath: getEnv("ZONECOUNT_CONFIG", ""),
		Kafka: KafkaConfig{
			BootstrapServers: getEnv("KAFKA_BOOTSTRAP_SERVERS", ""),
			SecurityProtocol: getEnv("KAFKA_SECURITY_PROTOCOL", "PLAINTEXT"),
			SASLMechanism:    getEnv("KAFKA_SASL_MECHANISM", ""),
			SASLUsername:     getEnv("KAFKA_SASL_USERNAME", ""),
			SASLPassword:     getEnv("KAFKA_SASL_PASSWORD", ""),
			Topic:            getEnv("KAFKA_TOPIC", "zonecount.crossings"),
			Acks:             getEnv("KAFKA_ACKS", "all"),
			LingerMS:         getEnvInt("KAFKA_LINGER_MS", 10),
		},
	}
}

// RequireDBPath returns an error naming the variable when no database path
// was configured.
func (e Env) RequireDBPath() error {
	if e.DBPath == "" {
		return fmt.Errorf("database path not set: use --db-path or ZONECOUNT_DB_PATH")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
