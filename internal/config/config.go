// Package config содержит логику чтения конфигурации движка ставок.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultSchedule    = "@daily"
	defaultBatchSize   = 100
	defaultAuthSecret  = "goalstake-secret"
	defaultRunOnStart  = false
	defaultRateAddress = ""
)

// Config содержит параметры конфигурации движка ставок.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	RateProviderAddress string `env:"RATE_PROVIDER_ADDRESS"`
	AccrualSchedule     string `env:"ACCRUAL_SCHEDULE"`
	AccrualBatchSize    int    `env:"ACCRUAL_BATCH_SIZE"`
	AccrualOnStart      bool   `env:"ACCRUAL_ON_START"`
	AuthSecret          string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRateAddress := cfg.RateProviderAddress
	envSchedule := cfg.AccrualSchedule
	envBatchSize := cfg.AccrualBatchSize
	envOnStart := cfg.AccrualOnStart
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RateProviderAddress, "r", defaultRateAddress, "variable APR rate provider address")
	flag.StringVar(&cfg.AccrualSchedule, "s", defaultSchedule, "cron schedule of the accrual pass")
	flag.IntVar(&cfg.AccrualBatchSize, "b", defaultBatchSize, "maximum stakes per accrual pass")
	flag.BoolVar(&cfg.AccrualOnStart, "o", defaultRunOnStart, "run an accrual pass on startup")
	flag.StringVar(&cfg.AuthSecret, "k", defaultAuthSecret, "secret key for auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRateAddress != "" {
		cfg.RateProviderAddress = envRateAddress
	}
	if envSchedule != "" {
		cfg.AccrualSchedule = envSchedule
	}
	if envBatchSize != 0 {
		cfg.AccrualBatchSize = envBatchSize
	}
	if envOnStart {
		cfg.AccrualOnStart = true
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.AccrualSchedule == "" {
		cfg.AccrualSchedule = defaultSchedule
	}
	if cfg.AccrualBatchSize <= 0 {
		cfg.AccrualBatchSize = defaultBatchSize
	}

	return cfg, nil
}
