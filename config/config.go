// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	KMSKeyName         string
	LocalKEK           string
	GoogleCloudProject string
	LogLevel           string
	AutoMigrate        bool

	OtelEnabled      bool
	OtelInsecure     bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	Rotation               domain.RotationConfig
	TrustScoreValidity     time.Duration
	MinKeyStrengthBits     int
	LifecycleCheckInterval time.Duration
}

// Load は環境変数から設定を読み込む。不正な値があればエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		LocalKEK:           os.Getenv("LOCAL_KEK"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "agent-trust-service"),
	}

	var err error
	if cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", false); err != nil {
		return nil, err
	}
	if cfg.OtelEnabled, err = getBool("OTEL_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OtelInsecure, err = getBool("OTEL_INSECURE", false); err != nil {
		return nil, err
	}
	if cfg.OtelSamplingRate, err = getFloat("OTEL_SAMPLING_RATE", 1.0); err != nil {
		return nil, err
	}
	if cfg.OtelSamplingRate < 0 || cfg.OtelSamplingRate > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLING_RATE must be within [0,1], got %v", cfg.OtelSamplingRate)
	}

	defaults := domain.DefaultRotationConfig()
	rotationPeriod, err := getDuration("ROTATION_PERIOD", defaults.RotationPeriod())
	if err != nil {
		return nil, err
	}
	overlapPeriod, err := getDuration("ROTATION_OVERLAP_PERIOD", defaults.OverlapPeriod())
	if err != nil {
		return nil, err
	}
	maxKeyAge, err := getDuration("ROTATION_MAX_KEY_AGE", defaults.MaxKeyAge())
	if err != nil {
		return nil, err
	}
	requireVerification, err := getBool("ROTATION_REQUIRE_VERIFICATION", defaults.RequireVerification())
	if err != nil {
		return nil, err
	}
	if cfg.Rotation, err = domain.NewRotationConfig(rotationPeriod, overlapPeriod, maxKeyAge, requireVerification); err != nil {
		return nil, err
	}

	if cfg.TrustScoreValidity, err = getDuration("TRUST_SCORE_VALIDITY", trust.DefaultScoreValidity); err != nil {
		return nil, err
	}
	if cfg.TrustScoreValidity <= 0 {
		return nil, fmt.Errorf("TRUST_SCORE_VALIDITY must be positive")
	}
	if cfg.MinKeyStrengthBits, err = getInt("MIN_KEY_STRENGTH_BITS", crypto.DefaultMinKeyStrength); err != nil {
		return nil, err
	}
	if cfg.LifecycleCheckInterval, err = getDuration("LIFECYCLE_CHECK_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.LifecycleCheckInterval <= 0 {
		return nil, fmt.Errorf("LIFECYCLE_CHECK_INTERVAL must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// ParseDuration はtime.ParseDurationの書式に加え、日数（例: 90d）を受け付ける。
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q as days: %w", s, err)
		}
		return time.Duration(n * float64(domain.Day)), nil
	}
	return time.ParseDuration(s)
}
