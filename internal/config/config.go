package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Memory   MemoryConfig   `yaml:"memory"`
	Health   HealthConfig   `yaml:"health"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type SessionConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	CartTTL   time.Duration `yaml:"cart_ttl"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type RedisConfig struct {
	Addr        string   `yaml:"addr"`
	ReplicaAddr string   `yaml:"replica_addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`

	// Sentinel mode. When MasterName and SentinelAddrs are set they take
	// precedence over Addr/ReplicaAddr.
	MasterName    string   `yaml:"master_name"`
	SentinelAddrs []string `yaml:"sentinel_addrs"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type MemoryConfig struct {
	Capacity int `yaml:"capacity"`
}

type HealthConfig struct {
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// Default returns a config suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Session: SessionConfig{
			TTL:       time.Hour,
			CartTTL:   24 * time.Hour,
			OpTimeout: time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "fake_web_retailer",
			User:     "postgres",
			SSLMode:  "disable",
		},
		Memory: MemoryConfig{
			Capacity: 10000,
		},
		Health: HealthConfig{
			ProbeTimeout:  100 * time.Millisecond,
			ProbeInterval: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
