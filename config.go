package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Build-time variables - inject via ldflags
// Example: go build -ldflags "-X main.dsSalt=SALT -X main.redisAddr=127.0.0.1:6379"
var (
	dsSalt    string // -X main.dsSalt=...
	redisAddr string // -X main.redisAddr=...
)

const (
	defaultDSSalt     = "JwYDpKvLj6MrMqqYU6jTKF17KNO2PXoS"
	defaultDataDir    = ".zzzsync"
	defaultSyncCron   = "0 */30 * * * *"
	defaultOutputFile = "snapshot.json"
)

// GetDSSalt returns the passport signature salt (build-time or env fallback).
func GetDSSalt() string {
	if dsSalt != "" {
		return dsSalt
	}
	if v := os.Getenv("ZZZSYNC_DS_SALT"); v != "" {
		return v
	}
	return defaultDSSalt
}

// GetRedisAddr returns the Redis address used for isolated token storage.
// Empty means tokens are kept in a private file under the data dir.
func GetRedisAddr() string {
	if redisAddr != "" {
		return redisAddr
	}
	return os.Getenv("ZZZSYNC_REDIS_ADDR")
}

func GetRedisPassword() string {
	return os.Getenv("ZZZSYNC_REDIS_PASSWORD")
}

func GetRedisDB() int {
	db, err := strconv.Atoi(os.Getenv("ZZZSYNC_REDIS_DB"))
	if err != nil {
		return 0
	}
	return db
}

func GetDataDir() string {
	if v := os.Getenv("ZZZSYNC_DATA_DIR"); v != "" {
		return v
	}
	return defaultDataDir
}

func GetProxyURL() string {
	return os.Getenv("ZZZSYNC_PROXY")
}

func GetSyncCron() string {
	if v := os.Getenv("ZZZSYNC_SYNC_CRON"); v != "" {
		return v
	}
	return defaultSyncCron
}

func GetMetricsAddr() string {
	return os.Getenv("ZZZSYNC_METRICS_ADDR")
}

func GetOutputPath() string {
	if v := os.Getenv("ZZZSYNC_OUTPUT"); v != "" {
		return v
	}
	return filepath.Join(GetDataDir(), defaultOutputFile)
}

// Config holds the protocol tunables. The retcode sets and keywords were
// observed from vendor behaviour and are not known to be complete.
type Config struct {
	FingerprintTTL          time.Duration
	RecoveryTimeout         time.Duration
	CookieTokenTTL          time.Duration
	QRPollInterval          time.Duration
	BatchSize               int

	FingerprintRetcodes []int
	AuthRetcodes        []int
	AuthKeywords        []string

	DSSalt string
	AppID  string
}

func DefaultConfig() Config {
	return Config{
		FingerprintTTL:          3 * 24 * time.Hour,
		RecoveryTimeout:         30 * time.Second,
		CookieTokenTTL:          24 * time.Hour,
		QRPollInterval:          time.Second,
		BatchSize:               10,

		FingerprintRetcodes: []int{1034, 5003, 10035, 10041, 10053},
		AuthRetcodes:        []int{-100, 10001, 10002, 10101, -3101},
		AuthKeywords:        []string{"登录", "未登录", "token", "cookie"},

		DSSalt: GetDSSalt(),
		AppID:  "bll8iq97cem8",
	}
}
