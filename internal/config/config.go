package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Defaults let the binary run locally with no external services; every key
// can be overridden from a YAML file or from the environment (HTTP_ADDR,
// DISPATCH_RADIUS_KM, ...).
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers         []string
	KafkaLocationTopic   string
	KafkaTransitionTopic string
	KafkaGroup           string

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	Dispatch DispatchConfig
	Session  SessionConfig

	DefaultSpeedMps float64
	OSRMEndpoint    string
	ETACacheTTL     time.Duration

	PushEndpoint string
	PushKey      string

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel string
}

type DispatchConfig struct {
	RadiusKm          float64
	CandidateLimit    int
	ResponseTimeout   time.Duration
	RetryAttempts     int
	RetryRadiusFactor float64
	RetryMaxRadiusKm  float64
}

type SessionConfig struct {
	// HeartbeatTimeout of zero disables read deadlines.
	HeartbeatTimeout time.Duration
	OfflineOnTimeout bool
	SendBuffer       int
	WriteTimeout     time.Duration
}

var defaults = map[string]any{
	"http_addr":             ":8080",
	"http_read_timeout":     "5s",
	"http_write_timeout":    "10s",
	"http_idle_timeout":     "120s",
	"http_shutdown_timeout": "15s",
	"cors_allowed_origins":  "*",

	"redis_addr":     "",
	"redis_password": "",
	"redis_geo_key":  "drivers_geo",

	"kafka_brokers":          "",
	"kafka_location_topic":   "driver-locations",
	"kafka_transition_topic": "booking-transitions",
	"kafka_group":            "ride-dispatch-consumer",

	"pg_dsn":          "",
	"migrate":         false,
	"migrations_path": "migrations",

	"dispatch_radius_km":           10.0,
	"dispatch_candidate_limit":     5,
	"dispatch_response_timeout":    "20s",
	"dispatch_retry_attempts":      0,
	"dispatch_retry_radius_factor": 1.5,
	"dispatch_retry_max_radius_km": 25.0,

	"session_heartbeat_timeout":  "0s",
	"session_offline_on_timeout": false,
	"session_send_buffer":        32,
	"session_write_timeout":      "5s",

	"matcher_default_speed_mps": 10.0,
	"osrm_endpoint":             "",
	"eta_cache_ttl":             "30s",

	"push_endpoint": "",
	"push_key":      "",

	"stripe_api_key":   "",
	"payment_currency": "zar",

	"log_level": "info",
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. An empty path falls back to
// CONFIG_FILE. All validation problems are reported together.
func Load(path string) (ServerConfig, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (ServerConfig, error) {
	var errs []error
	dur := func(key string) time.Duration {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			return 0
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
			return 0
		}
		return d
	}

	cfg := ServerConfig{
		HTTPAddr:        strings.TrimSpace(v.GetString("http_addr")),
		ReadTimeout:     dur("http_read_timeout"),
		WriteTimeout:    dur("http_write_timeout"),
		IdleTimeout:     dur("http_idle_timeout"),
		ShutdownTimeout: dur("http_shutdown_timeout"),
		CORSOrigins:     splitAndTrim(v.GetStringSlice("cors_allowed_origins")),

		RedisAddr:     strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword: v.GetString("redis_password"),
		RedisGeoKey:   v.GetString("redis_geo_key"),

		KafkaBrokers:         splitAndTrim(v.GetStringSlice("kafka_brokers")),
		KafkaLocationTopic:   v.GetString("kafka_location_topic"),
		KafkaTransitionTopic: v.GetString("kafka_transition_topic"),
		KafkaGroup:           v.GetString("kafka_group"),

		PGDSN:          v.GetString("pg_dsn"),
		RunMigrations:  v.GetBool("migrate"),
		MigrationsPath: v.GetString("migrations_path"),

		Dispatch: DispatchConfig{
			RadiusKm:          v.GetFloat64("dispatch_radius_km"),
			CandidateLimit:    v.GetInt("dispatch_candidate_limit"),
			ResponseTimeout:   dur("dispatch_response_timeout"),
			RetryAttempts:     v.GetInt("dispatch_retry_attempts"),
			RetryRadiusFactor: v.GetFloat64("dispatch_retry_radius_factor"),
			RetryMaxRadiusKm:  v.GetFloat64("dispatch_retry_max_radius_km"),
		},
		Session: SessionConfig{
			HeartbeatTimeout: dur("session_heartbeat_timeout"),
			OfflineOnTimeout: v.GetBool("session_offline_on_timeout"),
			SendBuffer:       v.GetInt("session_send_buffer"),
			WriteTimeout:     dur("session_write_timeout"),
		},

		DefaultSpeedMps: v.GetFloat64("matcher_default_speed_mps"),
		OSRMEndpoint:    v.GetString("osrm_endpoint"),
		ETACacheTTL:     dur("eta_cache_ttl"),

		PushEndpoint: v.GetString("push_endpoint"),
		PushKey:      v.GetString("push_key"),

		StripeAPIKey:    v.GetString("stripe_api_key"),
		PaymentCurrency: strings.ToLower(v.GetString("payment_currency")),

		LogLevel: strings.ToLower(v.GetString("log_level")),
	}

	if cfg.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if cfg.Dispatch.RadiusKm <= 0 {
		errs = append(errs, errors.New("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.Dispatch.CandidateLimit <= 0 {
		errs = append(errs, errors.New("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.Dispatch.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_RESPONSE_TIMEOUT must be > 0"))
	}
	if cfg.Dispatch.RetryAttempts < 0 {
		errs = append(errs, errors.New("DISPATCH_RETRY_ATTEMPTS must be >= 0"))
	}
	if cfg.Dispatch.RetryAttempts > 0 && cfg.Dispatch.RetryRadiusFactor < 1 {
		errs = append(errs, errors.New("DISPATCH_RETRY_RADIUS_FACTOR must be >= 1"))
	}
	if cfg.Session.HeartbeatTimeout < 0 {
		errs = append(errs, errors.New("SESSION_HEARTBEAT_TIMEOUT must be >= 0"))
	}
	if cfg.Session.SendBuffer <= 0 {
		errs = append(errs, errors.New("SESSION_SEND_BUFFER must be > 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, errors.New("MIGRATE=true requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// splitAndTrim accepts both YAML lists and comma separated env values.
func splitAndTrim(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		for _, r := range strings.Split(v, ",") {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}
