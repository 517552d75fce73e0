package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("SESSIONTIER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("SESSIONTIER_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if ttl := os.Getenv("SESSIONTIER_SESSION_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.Session.TTL = d
		}
	}

	if addr := os.Getenv("SESSIONTIER_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	if addr := os.Getenv("SESSIONTIER_REDIS_REPLICA_ADDR"); addr != "" {
		cfg.Redis.ReplicaAddr = addr
	}

	if pw := os.Getenv("SESSIONTIER_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	if sentinels := os.Getenv("SESSIONTIER_REDIS_SENTINELS"); sentinels != "" {
		cfg.Redis.SentinelAddrs = strings.Split(sentinels, ",")
	}

	if master := os.Getenv("SESSIONTIER_REDIS_MASTER_NAME"); master != "" {
		cfg.Redis.MasterName = master
	}

	if host := os.Getenv("SESSIONTIER_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	if name := os.Getenv("SESSIONTIER_DB_NAME"); name != "" {
		cfg.Database.Database = name
	}

	if user := os.Getenv("SESSIONTIER_DB_USER"); user != "" {
		cfg.Database.User = user
	}

	if pw := os.Getenv("SESSIONTIER_DB_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
