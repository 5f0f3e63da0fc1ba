// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 事業者ソースの定義は別途SourcesFileのYAMLから読み込む。
type Config struct {
	// Database
	DatabaseURL string

	// Document storage
	DocumentRoot string

	// Sources
	SourcesFile string

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int     // 同時に処理する事業者数の上限
	SourceRateLimit    float64 // ソースAPIへの秒間リクエスト数上限

	// Schedule
	RunHour     int    // 1日1回の実行時刻（時、ローカルタイムゾーン基準）
	RunTimezone string // 「本日実行済み」判定に使用する固定タイムゾーン

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.DocumentRoot = os.Getenv("DOCUMENT_ROOT")
	if cfg.DocumentRoot == "" {
		missing = append(missing, "DOCUMENT_ROOT")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.SourcesFile = getEnvString("SOURCES_FILE", "sources.yaml")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 15*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 10485760)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 4)
	cfg.SourceRateLimit = getEnvFloat("SOURCE_RATE_LIMIT", 5)
	cfg.RunHour = getEnvInt("RUN_HOUR", 7)
	cfg.RunTimezone = getEnvString("RUN_TIMEZONE", "Asia/Hong_Kong")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	if cfg.RunHour < 0 || cfg.RunHour > 23 {
		return nil, fmt.Errorf("RUN_HOUR must be between 0 and 23, got %d", cfg.RunHour)
	}
	if _, err := time.LoadLocation(cfg.RunTimezone); err != nil {
		return nil, fmt.Errorf("invalid RUN_TIMEZONE %q: %w", cfg.RunTimezone, err)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
