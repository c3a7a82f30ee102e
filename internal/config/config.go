package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jengzang/records-timeline/internal/models"
)

// Config 应用配置
type Config struct {
	Port      string `mapstructure:"port" validate:"required"`
	DBPath    string `mapstructure:"db_path" validate:"required"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required"`

	// Run embedded migrations on startup
	AutoMigrate bool `mapstructure:"auto_migrate"`

	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Timeline  TimelineConfig  `mapstructure:"timeline"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required|in:trace,debug,info,warn,error,fatal,panic"`
	Format string `mapstructure:"format" validate:"required|in:json,console"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RateLimitConfig 限流配置, per authenticated user. Requests == 0 disables limiting.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" validate:"min:0"`
	Window   time.Duration `mapstructure:"window" validate:"required"`
}

// JobsConfig 异步任务配置
type JobsConfig struct {
	Workers         int           `mapstructure:"workers" validate:"required|min:1"`
	Capacity        int           `mapstructure:"capacity" validate:"required|min:1"`
	Retention       time.Duration `mapstructure:"retention" validate:"required"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"required"`
}

// TimelineConfig 时间线生成配置, including the defaults for users without overrides
type TimelineConfig struct {
	PointChunkSize   int           `mapstructure:"point_chunk_size" validate:"required|min:1"`
	ContextPoints    int           `mapstructure:"context_points" validate:"min:0"`
	ContextWindow    time.Duration `mapstructure:"context_window"`
	ConfigCacheMB    int           `mapstructure:"config_cache_mb" validate:"min:0"`
	ConfigCacheTTL   time.Duration `mapstructure:"config_cache_ttl"`
	StayRadiusMeters float64       `mapstructure:"stay_radius_meters" validate:"required"`
	MinStayDuration  time.Duration `mapstructure:"min_stay_duration" validate:"required"`

	MergeEnabled              bool    `mapstructure:"merge_enabled"`
	MergeMaxDistanceMeters    float64 `mapstructure:"merge_max_distance_meters"`
	MergeMaxTimeGapMinutes    float64 `mapstructure:"merge_max_time_gap_minutes"`
	DataGapThresholdSeconds   int64   `mapstructure:"data_gap_threshold_seconds"`
	DataGapMinDurationSeconds int64   `mapstructure:"data_gap_min_duration_seconds"`

	WalkingMaxAvgSpeed float64 `mapstructure:"walking_max_avg_speed"`
	WalkingMaxMaxSpeed float64 `mapstructure:"walking_max_max_speed"`
	CarMinAvgSpeed     float64 `mapstructure:"car_min_avg_speed"`
	CarMinMaxSpeed     float64 `mapstructure:"car_min_max_speed"`

	BicycleEnabled     bool    `mapstructure:"bicycle_enabled"`
	BicycleMinAvgSpeed float64 `mapstructure:"bicycle_min_avg_speed"`
	BicycleMaxAvgSpeed float64 `mapstructure:"bicycle_max_avg_speed"`
	BicycleMaxMaxSpeed float64 `mapstructure:"bicycle_max_max_speed"`

	RunningEnabled     bool    `mapstructure:"running_enabled"`
	RunningMinAvgSpeed float64 `mapstructure:"running_min_avg_speed"`
	RunningMaxAvgSpeed float64 `mapstructure:"running_max_avg_speed"`
	RunningMaxMaxSpeed float64 `mapstructure:"running_max_max_speed"`

	TrainEnabled          bool    `mapstructure:"train_enabled"`
	TrainMinAvgSpeed      float64 `mapstructure:"train_min_avg_speed"`
	TrainMaxAvgSpeed      float64 `mapstructure:"train_max_avg_speed"`
	TrainMinMaxSpeed      float64 `mapstructure:"train_min_max_speed"`
	TrainMaxMaxSpeed      float64 `mapstructure:"train_max_max_speed"`
	TrainMaxSpeedVariance float64 `mapstructure:"train_max_speed_variance"`

	FlightEnabled     bool    `mapstructure:"flight_enabled"`
	FlightMinAvgSpeed float64 `mapstructure:"flight_min_avg_speed"`
	FlightMinMaxSpeed float64 `mapstructure:"flight_min_max_speed"`

	PathSimplificationEnabled   bool    `mapstructure:"path_simplification_enabled"`
	PathSimplificationTolerance float64 `mapstructure:"path_simplification_tolerance"`
}

// Load 加载配置: .env (if present), then environment variables and an optional CONFIG_FILE
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks every section of the configuration
func (c *Config) Validate() error {
	for name, section := range map[string]any{
		"server":     c,
		"log":        &c.Log,
		"rate_limit": &c.RateLimit,
		"jobs":       &c.Jobs,
		"timeline":   &c.Timeline,
	} {
		v := validate.Struct(section)
		if !v.Validate() {
			return fmt.Errorf("invalid %s config: %w", name, v.Errors)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", ":8080")
	v.SetDefault("db_path", "./data/timeline/timeline.db")
	v.SetDefault("jwt_secret", "your-secret-key-change-in-production")
	v.SetDefault("auto_migrate", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("rate_limit.requests", 120)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.capacity", 1000)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.cleanup_interval", 10*time.Minute)

	v.SetDefault("timeline.point_chunk_size", 5000)
	v.SetDefault("timeline.context_points", 500)
	v.SetDefault("timeline.context_window", 24*time.Hour)
	v.SetDefault("timeline.config_cache_mb", 8)
	v.SetDefault("timeline.config_cache_ttl", 5*time.Minute)
	v.SetDefault("timeline.stay_radius_meters", 50.0)
	v.SetDefault("timeline.min_stay_duration", 7*time.Minute)

	v.SetDefault("timeline.merge_enabled", true)
	v.SetDefault("timeline.merge_max_distance_meters", 400.0)
	v.SetDefault("timeline.merge_max_time_gap_minutes", 15.0)
	v.SetDefault("timeline.data_gap_threshold_seconds", 10800)
	v.SetDefault("timeline.data_gap_min_duration_seconds", 1800)

	v.SetDefault("timeline.walking_max_avg_speed", 6.0)
	v.SetDefault("timeline.walking_max_max_speed", 8.0)
	v.SetDefault("timeline.car_min_avg_speed", 8.0)
	v.SetDefault("timeline.car_min_max_speed", 15.0)

	v.SetDefault("timeline.bicycle_enabled", false)
	v.SetDefault("timeline.bicycle_min_avg_speed", 8.0)
	v.SetDefault("timeline.bicycle_max_avg_speed", 25.0)
	v.SetDefault("timeline.bicycle_max_max_speed", 35.0)

	v.SetDefault("timeline.running_enabled", false)
	v.SetDefault("timeline.running_min_avg_speed", 7.0)
	v.SetDefault("timeline.running_max_avg_speed", 14.0)
	v.SetDefault("timeline.running_max_max_speed", 18.0)

	v.SetDefault("timeline.train_enabled", false)
	v.SetDefault("timeline.train_min_avg_speed", 30.0)
	v.SetDefault("timeline.train_max_avg_speed", 150.0)
	v.SetDefault("timeline.train_min_max_speed", 80.0)
	v.SetDefault("timeline.train_max_max_speed", 180.0)
	v.SetDefault("timeline.train_max_speed_variance", 15.0)

	v.SetDefault("timeline.flight_enabled", false)
	v.SetDefault("timeline.flight_min_avg_speed", 400.0)
	v.SetDefault("timeline.flight_min_max_speed", 500.0)

	v.SetDefault("timeline.path_simplification_enabled", true)
	v.SetDefault("timeline.path_simplification_tolerance", 15.0)
}

// DefaultTimelineConfig builds the TimelineConfig applied to users without overrides
func (t TimelineConfig) DefaultTimelineConfig() models.TimelineConfig {
	return models.TimelineConfig{
		MergeEnabled:              t.MergeEnabled,
		MergeMaxDistanceMeters:    t.MergeMaxDistanceMeters,
		MergeMaxTimeGapMinutes:    t.MergeMaxTimeGapMinutes,
		DataGapThresholdSeconds:   models.Int(t.DataGapThresholdSeconds),
		DataGapMinDurationSeconds: models.Int(t.DataGapMinDurationSeconds),

		WalkingMaxAvgSpeed: models.Float(t.WalkingMaxAvgSpeed),
		WalkingMaxMaxSpeed: models.Float(t.WalkingMaxMaxSpeed),
		CarMinAvgSpeed:     models.Float(t.CarMinAvgSpeed),
		CarMinMaxSpeed:     models.Float(t.CarMinMaxSpeed),

		BicycleEnabled:     t.BicycleEnabled,
		BicycleMinAvgSpeed: models.Float(t.BicycleMinAvgSpeed),
		BicycleMaxAvgSpeed: models.Float(t.BicycleMaxAvgSpeed),
		BicycleMaxMaxSpeed: models.Float(t.BicycleMaxMaxSpeed),

		RunningEnabled:     t.RunningEnabled,
		RunningMinAvgSpeed: models.Float(t.RunningMinAvgSpeed),
		RunningMaxAvgSpeed: models.Float(t.RunningMaxAvgSpeed),
		RunningMaxMaxSpeed: models.Float(t.RunningMaxMaxSpeed),

		TrainEnabled:          t.TrainEnabled,
		TrainMinAvgSpeed:      models.Float(t.TrainMinAvgSpeed),
		TrainMaxAvgSpeed:      models.Float(t.TrainMaxAvgSpeed),
		TrainMinMaxSpeed:      models.Float(t.TrainMinMaxSpeed),
		TrainMaxMaxSpeed:      models.Float(t.TrainMaxMaxSpeed),
		TrainMaxSpeedVariance: models.Float(t.TrainMaxSpeedVariance),

		FlightEnabled:     t.FlightEnabled,
		FlightMinAvgSpeed: models.Float(t.FlightMinAvgSpeed),
		FlightMinMaxSpeed: models.Float(t.FlightMinMaxSpeed),

		PathSimplificationEnabled:   t.PathSimplificationEnabled,
		PathSimplificationTolerance: t.PathSimplificationTolerance,
	}
}
