// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig                 `yaml:"app"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Engine      EngineConfig              `yaml:"engine"`
	System      SystemConfig              `yaml:"system"`
	RiskDefault RiskDefaultConfig         `yaml:"risk_default"`
	Allocation  AllocationDefaultConfig   `yaml:"allocation"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	Timing      TimingConfig              `yaml:"timing"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	ActiveExchanges []string `yaml:"active_exchanges" validate:"required,min=1"` // adapters loaded at startup
	EngineType      string   `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL     string   `yaml:"database_url"` // required for the relational store and the dbos engine
}

// ExchangeConfig contains exchange-specific configuration. One entry per
// adapter named in app.active_exchanges; a given user's DCAConfiguration
// selects one of these by name.
type ExchangeConfig struct {
	APIKey        Secret `yaml:"api_key"`
	SecretKey     Secret `yaml:"secret_key"`
	Passphrase    Secret `yaml:"passphrase"` // required by some exchanges
	BaseURL       string `yaml:"base_url"`   // optional override for API URL
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`
	TLSServerName string `yaml:"tls_server_name"`
	GRPCAPIKeys   Secret `yaml:"grpc_api_keys"` // comma-separated API keys; the admin servers authenticate against system.admin_api_keys instead
	GRPCAPIKey    Secret `yaml:"grpc_api_key"`  // key presented by an admin gRPC client
	GRPCRateLimit int    `yaml:"grpc_rate_limit"`
}

// EngineConfig holds engine-wide defaults applied when a DCAConfiguration
// or User row leaves a value unset.
type EngineConfig struct {
	ExecutionPoolSize         int    `yaml:"execution_pool_size" validate:"required,min=1,max=1000"`     // per-user concurrent group cap
	QueuePromotionIntervalSec int    `yaml:"queue_promotion_interval_seconds" validate:"required,min=1"` // queue promotion cadence
	FillMonitorIntervalMillis int    `yaml:"fill_monitor_interval_millis" validate:"required,min=50"`    // fill monitor cadence
	RiskEngineIntervalSeconds int    `yaml:"risk_engine_interval_seconds" validate:"required,min=1"`     // risk engine cadence
	DefaultEntryOrderType     string `yaml:"default_entry_order_type" validate:"oneof=limit market"`
	DefaultTPMode             string `yaml:"default_tp_mode" validate:"oneof=per_leg aggregate hybrid pyramid_aggregate"`
	DefaultTimerStart         string `yaml:"default_timer_start_condition" validate:"oneof=after_all_dca_submitted after_all_dca_filled after_5_pyramids"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel      string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit  bool   `yaml:"cancel_on_exit"`
	AgentGRPCPort string `yaml:"agent_grpc_port"` // port for the admin gRPC health surface
	AdminHTTPPort string `yaml:"admin_http_port"` // port for the admin HTTP surface
	AdminAPIKeys  Secret `yaml:"admin_api_keys"`  // comma-separated allowlist for the admin surfaces
	WebhookPort   string `yaml:"webhook_port"`    // port for the signal router's inbound webhook
	HealthPort    string `yaml:"health_port"`     // port for /health, /status and /metrics
}

// AlertsConfig configures the best-effort notification channels. Empty
// values disable a channel; delivery failures never affect core state.
type AlertsConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// AllocationDefaultConfig seeds the capital-allocation formula for
// users without a per-exchange override.
type AllocationDefaultConfig struct {
	RiskPerPositionPercent float64 `yaml:"risk_per_position_percent" validate:"min=0,max=100"`
	RiskPerPositionCapUSD  float64 `yaml:"risk_per_position_cap_usd" validate:"min=0"`
	DefaultAllocationUSD   float64 `yaml:"default_allocation_usd" validate:"min=0"`
}

// RiskDefaultConfig seeds core.RiskConfig for users that have not
// overridden a threshold.
type RiskDefaultConfig struct {
	MaxOpenPositionsGlobal    int     `yaml:"max_open_positions_global" validate:"min=1"`
	MaxOpenPositionsPerSymbol int     `yaml:"max_open_positions_per_symbol" validate:"min=1"`
	MaxTotalExposureUSD       float64 `yaml:"max_total_exposure_usd" validate:"min=0"`
	MaxDailyLossUSD           float64 `yaml:"max_daily_loss_usd" validate:"min=0"`
	LossThresholdPercent      float64 `yaml:"loss_threshold_percent" validate:"min=0,max=100"`
	RequireFullPyramids       bool    `yaml:"require_full_pyramids"`
	UseTradeAgeFilter         bool    `yaml:"use_trade_age_filter"`
	AgeThresholdMinutes       int     `yaml:"age_threshold_minutes" validate:"min=0"`
	PostFullWaitMinutes       int     `yaml:"post_full_wait_minutes" validate:"min=0"`
	MaxWinnersToCombine       int     `yaml:"max_winners_to_combine" validate:"min=1"`
}

// TimingConfig contains background-loop scheduling settings shared across
// the queue, fill monitor and risk engine (seconds unless noted).
type TimingConfig struct {
	LeaderLeaseSeconds       int `yaml:"leader_lease_seconds" validate:"min=1,max=300"`
	LeaderHeartbeatSeconds   int `yaml:"leader_heartbeat_seconds" validate:"min=1,max=300"`
	ExchangeRetryDelayMs     int `yaml:"exchange_retry_delay_ms" validate:"min=1,max=60000"`
	OrderStatusPollMillis    int `yaml:"order_status_poll_millis" validate:"min=1,max=60000"`
	ConfigCacheTTLSeconds    int `yaml:"config_cache_ttl_seconds" validate:"min=1,max=3600"`
	PrecisionCacheTTLSeconds int `yaml:"precision_cache_ttl_seconds" validate:"min=1,max=86400"`
}

// ConcurrencyConfig contains worker pool settings for the fill monitor and
// risk engine background work, distinct from the per-user execution pool
// (EngineConfig.ExecutionPoolSize), which bounds concurrent position groups.
type ConcurrencyConfig struct {
	FillMonitorPoolSize   int `yaml:"fill_monitor_pool_size" validate:"min=1,max=1000"`
	FillMonitorPoolBuffer int `yaml:"fill_monitor_pool_buffer" validate:"min=1,max=100000"`
	RiskPoolSize          int `yaml:"risk_pool_size" validate:"min=1,max=1000"`
	RiskPoolBuffer        int `yaml:"risk_pool_buffer" validate:"min=1,max=100000"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// A .env file next to the process, when present, is loaded first so local
// development can keep exchange credentials out of the YAML; already-set
// environment variables are never overridden.
func LoadConfig(filename string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchanges(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEngineConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskDefaultConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if len(c.App.ActiveExchanges) == 0 {
		return ValidationError{
			Field:   "app.active_exchanges",
			Message: "at least one exchange must be active",
		}
	}

	for _, ex := range c.App.ActiveExchanges {
		if ex == "mock" {
			continue
		}
		if _, exists := c.Exchanges[ex]; !exists {
			return ValidationError{
				Field:   "app.active_exchanges",
				Value:   ex,
				Message: "exchange configuration not found in exchanges section",
			}
		}
	}

	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 && !contains(c.App.ActiveExchanges, "mock") {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange must be configured",
		}
	}

	for name, exchange := range c.Exchanges {
		if exchange.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if exchange.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.ExecutionPoolSize <= 0 {
		return ValidationError{
			Field:   "engine.execution_pool_size",
			Value:   c.Engine.ExecutionPoolSize,
			Message: "must be positive",
		}
	}
	if c.Engine.QueuePromotionIntervalSec <= 0 {
		return ValidationError{
			Field:   "engine.queue_promotion_interval_seconds",
			Value:   c.Engine.QueuePromotionIntervalSec,
			Message: "must be positive",
		}
	}
	if c.Engine.FillMonitorIntervalMillis <= 0 {
		return ValidationError{
			Field:   "engine.fill_monitor_interval_millis",
			Value:   c.Engine.FillMonitorIntervalMillis,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRiskDefaultConfig() error {
	if c.RiskDefault.MaxWinnersToCombine < 0 {
		return ValidationError{
			Field:   "risk_default.max_winners_to_combine",
			Value:   c.RiskDefault.MaxWinnersToCombine,
			Message: "must not be negative",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, exchange := range c.Exchanges {
		exchange.APIKey = Secret(maskString(string(exchange.APIKey)))
		exchange.SecretKey = Secret(maskString(string(exchange.SecretKey)))
		exchange.Passphrase = Secret(maskString(string(exchange.Passphrase)))
		exchange.GRPCAPIKeys = Secret(maskString(string(exchange.GRPCAPIKeys)))
		exchange.GRPCAPIKey = Secret(maskString(string(exchange.GRPCAPIKey)))
		configCopy.Exchanges[name] = exchange
	}
	configCopy.System.AdminAPIKeys = Secret(maskString(string(c.System.AdminAPIKeys)))
	configCopy.Alerts.TelegramBotToken = Secret(maskString(string(c.Alerts.TelegramBotToken)))
	configCopy.Alerts.SlackWebhookURL = Secret(maskString(string(c.Alerts.SlackWebhookURL)))

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable names an exchange
// credential. expandEnvVars expands a missing variable to empty whether
// or not it is critical; no ${...} placeholder is left in either case.
func isCriticalEnvVar(key string) bool {
	return strings.HasSuffix(key, "_API_KEY") ||
		strings.HasSuffix(key, "_SECRET_KEY") ||
		strings.HasSuffix(key, "_PASSPHRASE")
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ActiveExchanges: []string{"mock"},
			EngineType:      "simple",
		},
		Engine: EngineConfig{
			ExecutionPoolSize:         10,
			QueuePromotionIntervalSec: 10,
			FillMonitorIntervalMillis: 1000,
			RiskEngineIntervalSeconds: 30,
			DefaultEntryOrderType:     "limit",
			DefaultTPMode:             "per_leg",
			DefaultTimerStart:         "after_all_dca_submitted",
		},
		System: SystemConfig{
			LogLevel:      "INFO",
			CancelOnExit:  true,
			AdminHTTPPort: "8081",
			HealthPort:    "8082",
		},
		Allocation: AllocationDefaultConfig{
			RiskPerPositionPercent: 10,
			RiskPerPositionCapUSD:  1000,
			DefaultAllocationUSD:   100,
		},
		RiskDefault: RiskDefaultConfig{
			MaxOpenPositionsGlobal:    20,
			MaxOpenPositionsPerSymbol: 1,
			MaxTotalExposureUSD:       50000,
			MaxDailyLossUSD:           2000,
			LossThresholdPercent:      10,
			RequireFullPyramids:       false,
			UseTradeAgeFilter:         true,
			AgeThresholdMinutes:       60,
			PostFullWaitMinutes:       15,
			MaxWinnersToCombine:       3,
		},
		Timing: TimingConfig{
			LeaderLeaseSeconds:       15,
			LeaderHeartbeatSeconds:   5,
			ExchangeRetryDelayMs:     500,
			OrderStatusPollMillis:    1000,
			ConfigCacheTTLSeconds:    60,
			PrecisionCacheTTLSeconds: 3600,
		},
		Concurrency: ConcurrencyConfig{
			FillMonitorPoolSize:   10,
			FillMonitorPoolBuffer: 1000,
			RiskPoolSize:          5,
			RiskPoolBuffer:        1000,
		},
	}
}
