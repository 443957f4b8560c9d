// Package config provides configuration loading and validation utilities.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// envAliases keeps the historic flat variable names of the free point system
// working next to the nested POINTS_* form.
var envAliases = map[string]string{
	"points.eligibility_minutes": "FREE_POINTS_ELIGIBILITY_MINUTES",
	"points.max_free_points":     "MAX_FREE_POINTS_ALLOWED",
	"points.free_item_type":      "FREE_ITEM_TYPE",
	"points.free_item_points":    "FREE_ITEM_POINTS_VALUE",
	"points.enable_free_points":  "ENABLE_FREE_POINT_SYSTEM",
	"points.purchasable":         "CANBEPURCHASED",
	"points.success_status":      "TRANS_SUCCESS_STATUS",
}

// Load reads configuration from YAML files and environment variables, validates it, and returns the resulting Config.
func Load() (*Config, *viper.Viper, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		// env files are optional
		_ = err
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	return LoadFile(fmt.Sprintf("./configs/%s.yaml", env), env)
}

// LoadFile is Load without the .env lookup, reading the given YAML file.
func LoadFile(path, env string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), alias); err != nil {
			return nil, nil, fmt.Errorf("bind env %s: %w", alias, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	cfg.AppEnv = env

	return cfg, v, nil
}

// Watch reloads the config file on change and hands the validated result to
// onChange. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, log *slog.Logger, onChange func(*Config)) {
	if v == nil || onChange == nil {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if log != nil {
				log.Warn("ignoring invalid config change", slog.String("file", e.Name), slog.Any("error", err))
			}
			return
		}

		if log != nil {
			log.Info("config reloaded", slog.String("file", e.Name), slog.String("op", e.Op.String()))
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("cron", validateCron); err != nil {
		return nil, fmt.Errorf("register cron validation: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func validateCron(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 28)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "points")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.lock_ttl", "10s")
	v.SetDefault("redis.lock_wait", "5s")
	v.SetDefault("redis.cache_ttl", "1m")
	v.SetDefault("redis.idempotency_ttl", "24h")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("jobs.enabled", false)
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.sweep_cron", "*/15 * * * *")
	v.SetDefault("jobs.sweep_workers", 4)
	v.SetDefault("jobs.purchase_rate_limit", 10)
	v.SetDefault("jobs.purchase_rate_window", "1m")

	v.SetDefault("points.eligibility_minutes", 180)
	v.SetDefault("points.max_free_points", 200)
	v.SetDefault("points.free_item_type", "FREE_POINTS")
	v.SetDefault("points.free_item_points", 50)
	v.SetDefault("points.enable_free_points", true)
	v.SetDefault("points.purchasable", []string{"PURCHASE_POINTS", "PURCHASE_ITEMS"})
	v.SetDefault("points.success_status", "SUCCESS")
}
