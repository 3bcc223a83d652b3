// Package config loads the agent's settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	LogLevel      string
	JWTSecret     string
	VehicleNumber string

	TripService TripServiceConfig
	DB          DBConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Tracking    TrackingConfig
	Geofence    GeofenceConfig
	OTP         OTPConfig
}

type TripServiceConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// DBConfig is optional; without a host, trip snapshots are kept in memory.
type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c DBConfig) Enabled() bool { return c.Host != "" }

func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
}

// RedisConfig is optional; without a URL, failed pings are queued in memory.
type RedisConfig struct {
	URL      string
	QueueKey string
}

func (c RedisConfig) Enabled() bool { return c.URL != "" }

type StorageConfig struct {
	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string
	Bucket       string
	UploadDir    string
	BaseURL      string
}

type TrackingConfig struct {
	Interval         time.Duration
	MinDisplacementM float64
	SampleTimeout    time.Duration
	MaxFixAge        time.Duration
	RetryWindow      time.Duration
	RetryIdle        time.Duration
	RetryMaxInterval time.Duration
	QueueLimit       int
}

type GeofenceConfig struct {
	MaxFixAge   time.Duration
	FixTimeout  time.Duration
	MaxAttempts int
}

type OTPConfig struct {
	MaxAttempts int
	Timeout     time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REMOTE_TIMEOUT", "15s")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("REDIS_QUEUE_KEY", "tanker:location:retry")
	v.SetDefault("UPLOAD_DIR", "/app/uploads")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("TRACKING_INTERVAL", "10s")
	v.SetDefault("TRACKING_MIN_DISPLACEMENT_M", 10.0)
	v.SetDefault("TRACKING_SAMPLE_TIMEOUT", "5s")
	v.SetDefault("TRACKING_MAX_FIX_AGE", "30s")
	v.SetDefault("TRACKING_RETRY_WINDOW", "30m")
	v.SetDefault("TRACKING_RETRY_IDLE", "15s")
	v.SetDefault("TRACKING_RETRY_MAX_INTERVAL", "5m")
	v.SetDefault("TRACKING_QUEUE_LIMIT", 1000)
	v.SetDefault("GEOFENCE_MAX_FIX_AGE", "30s")
	v.SetDefault("GEOFENCE_FIX_TIMEOUT", "10s")
	v.SetDefault("GEOFENCE_MAX_ATTEMPTS", 3)
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)
	v.SetDefault("OTP_TIMEOUT", "15s")
}

// Load reads .env if present, then the environment. It fails when a required
// setting is missing.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:          v.GetString("PORT"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		VehicleNumber: v.GetString("VEHICLE_NUMBER"),
		TripService: TripServiceConfig{
			BaseURL: strings.TrimRight(v.GetString("TRIP_SERVICE_URL"), "/"),
			Token:   v.GetString("TRIP_SERVICE_TOKEN"),
			Timeout: v.GetDuration("REMOTE_TIMEOUT"),
		},
		DB: DBConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("REDIS_URL"),
			QueueKey: v.GetString("REDIS_QUEUE_KEY"),
		},
		Storage: StorageConfig{
			AWSRegion:    v.GetString("AWS_REGION"),
			AWSAccessKey: v.GetString("AWS_ACCESS_KEY_ID"),
			AWSSecretKey: v.GetString("AWS_SECRET_ACCESS_KEY"),
			Bucket:       v.GetString("AWS_S3_BUCKET"),
			UploadDir:    v.GetString("UPLOAD_DIR"),
			BaseURL:      strings.TrimRight(v.GetString("BASE_URL"), "/"),
		},
		Tracking: TrackingConfig{
			Interval:         v.GetDuration("TRACKING_INTERVAL"),
			MinDisplacementM: v.GetFloat64("TRACKING_MIN_DISPLACEMENT_M"),
			SampleTimeout:    v.GetDuration("TRACKING_SAMPLE_TIMEOUT"),
			MaxFixAge:        v.GetDuration("TRACKING_MAX_FIX_AGE"),
			RetryWindow:      v.GetDuration("TRACKING_RETRY_WINDOW"),
			RetryIdle:        v.GetDuration("TRACKING_RETRY_IDLE"),
			RetryMaxInterval: v.GetDuration("TRACKING_RETRY_MAX_INTERVAL"),
			QueueLimit:       v.GetInt("TRACKING_QUEUE_LIMIT"),
		},
		Geofence: GeofenceConfig{
			MaxFixAge:   v.GetDuration("GEOFENCE_MAX_FIX_AGE"),
			FixTimeout:  v.GetDuration("GEOFENCE_FIX_TIMEOUT"),
			MaxAttempts: v.GetInt("GEOFENCE_MAX_ATTEMPTS"),
		},
		OTP: OTPConfig{
			MaxAttempts: v.GetInt("OTP_MAX_ATTEMPTS"),
			Timeout:     v.GetDuration("OTP_TIMEOUT"),
		},
	}

	var missing []string
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.VehicleNumber == "" {
		missing = append(missing, "VEHICLE_NUMBER")
	}
	if cfg.TripService.BaseURL == "" {
		missing = append(missing, "TRIP_SERVICE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

// UsesS3 reports whether full AWS credentials are configured.
func (c StorageConfig) UsesS3() bool {
	return c.AWSRegion != "" && c.AWSAccessKey != "" && c.AWSSecretKey != "" && c.Bucket != ""
}
