package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Worker   WorkerConfig
	Realtime RealtimeConfig
	Mobility MobilityConfig
	Logging  LoggingConfig
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string

	// SQLitePath is used by the sqlite3 driver.
	SQLitePath string

	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite3" {
		return d.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type WorkerConfig struct {
	Workers    int
	QueueDepth int
}

type RealtimeConfig struct {
	PollingInterval time.Duration
}

type MobilityConfig struct {
	DockerImage     string
	WorkDir         string
	HostPrefix      string
	ContainerPrefix string
	Timeout         time.Duration
}

type LoggingConfig struct {
	Level    string
	Console  bool
	FilePath string
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "sqlite3"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "depot.db"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "depot"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
		},
		Worker: WorkerConfig{
			Workers:    getIntEnv("WORKER_COUNT", 4),
			QueueDepth: getIntEnv("WORKER_QUEUE_DEPTH", 64),
		},
		Realtime: RealtimeConfig{
			PollingInterval: getDurationEnv("REALTIME_POLL_INTERVAL", 30*time.Second),
		},
		Mobility: MobilityConfig{
			DockerImage:     getEnv("MOBILITY_VALIDATOR_IMAGE", "ghcr.io/mobilitydata/gtfs-validator:latest"),
			WorkDir:         getEnv("MOBILITY_WORK_DIR", os.TempDir()),
			HostPrefix:      getEnv("MOBILITY_HOST_PREFIX", ""),
			ContainerPrefix: getEnv("MOBILITY_CONTAINER_PREFIX", ""),
			Timeout:         getDurationEnv("MOBILITY_TIMEOUT", 15*time.Minute),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Console:  getBoolEnv("LOG_CONSOLE", true),
			FilePath: getEnv("LOG_FILE", ""),
		},
	}

	if cfg.Database.Driver != "sqlite3" && cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
