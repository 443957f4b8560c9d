package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds runtime configuration for the points ledger.
type Config struct {
	AppEnv   string         `mapstructure:"app_env"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Points   PointsConfig   `mapstructure:"points"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres mysql sqlite memory"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db" validate:"gte=0"`
	PoolSize       int           `mapstructure:"pool_size" validate:"gte=0"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	LockWait       time.Duration `mapstructure:"lock_wait"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type JobsConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Concurrency        int           `mapstructure:"concurrency" validate:"gte=0"`
	SweepCron          string        `mapstructure:"sweep_cron" validate:"omitempty,cron"`
	SweepWorkers       int           `mapstructure:"sweep_workers" validate:"gte=1"`
	PurchaseRateLimit  int           `mapstructure:"purchase_rate_limit" validate:"gte=0"`
	PurchaseRateWindow time.Duration `mapstructure:"purchase_rate_window"`
}

// PointsConfig mirrors the knobs of the free point system. The env aliases
// bound in loader.go keep the historic variable names working.
type PointsConfig struct {
	EligibilityMinutes int      `mapstructure:"eligibility_minutes" validate:"gte=1"`
	MaxFreePoints      int64    `mapstructure:"max_free_points" validate:"gte=0"`
	FreeItemType       string   `mapstructure:"free_item_type" validate:"required"`
	FreeItemPoints     int64    `mapstructure:"free_item_points" validate:"gte=1"`
	EnableFreePoints   bool     `mapstructure:"enable_free_points"`
	Purchasable        []string `mapstructure:"purchasable" validate:"dive,oneof=PURCHASE_POINTS PURCHASE_ITEMS FREE_POINTS"`
	SuccessStatus      string   `mapstructure:"success_status" validate:"oneof=SUCCESS FAILURE"`
}

// DSN returns the driver specific data source name.
func (c DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host,
			c.Port,
			c.User,
			c.Password,
			c.Name,
			c.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			c.User,
			c.Password,
			c.Host,
			c.Port,
			c.Name,
		)
	case "sqlite":
		q := url.Values{}
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "foreign_keys(1)")
		q.Set("_txlock", "immediate")
		q.Set("_time_format", "sqlite")
		return "file:" + c.Path + "?" + q.Encode()
	default:
		return ""
	}
}
