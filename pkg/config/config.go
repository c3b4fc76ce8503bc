package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SIGNAL_MAX_SL.
const EnvPrefix = "SIGNAL"

// Config holds every recognized option of the engine.
type Config struct {
	MaxRiskFraction          float64       `yaml:"max_risk_fraction" mapstructure:"max_risk_fraction" validate:"gt=0,lte=1"`
	MaxConcurrentOrders      int           `yaml:"max_concurrent_orders" mapstructure:"max_concurrent_orders" validate:"gte=1"`
	MinSL                    float64       `yaml:"min_sl" mapstructure:"min_sl" validate:"gt=0"`
	MaxSL                    float64       `yaml:"max_sl" mapstructure:"max_sl" validate:"gtefield=MinSL"`
	MinRewardRiskRatio       float64       `yaml:"min_reward_risk_ratio" mapstructure:"min_reward_risk_ratio" validate:"gt=0"`
	MaxDrawdownFraction      float64       `yaml:"max_drawdown_fraction" mapstructure:"max_drawdown_fraction" validate:"gt=0,lte=1"`
	ActionabilityThreshold   float64       `yaml:"actionability_threshold" mapstructure:"actionability_threshold" validate:"gte=0,lte=100"`
	TimeoutDuration          time.Duration `yaml:"timeout_duration" mapstructure:"timeout_duration" validate:"gt=0"`
	TickInterval             time.Duration `yaml:"tick_interval" mapstructure:"tick_interval" validate:"gt=0"`
	RateLimitCapacity        int           `yaml:"rate_limit_capacity" mapstructure:"rate_limit_capacity" validate:"gte=1"`
	RateLimitRefillPerSecond float64       `yaml:"rate_limit_refill_per_second" mapstructure:"rate_limit_refill_per_second" validate:"gt=0"`

	InitialCapital              float64       `yaml:"initial_capital" mapstructure:"initial_capital" validate:"gt=0"`
	Timeframe                   time.Duration `yaml:"timeframe" mapstructure:"timeframe" validate:"gt=0"`
	BufferCapacity              int           `yaml:"buffer_capacity" mapstructure:"buffer_capacity" validate:"gte=26"`
	FetchTimeout                time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout" validate:"gt=0"`
	RateLimitAcquireTimeout     time.Duration `yaml:"rate_limit_acquire_timeout" mapstructure:"rate_limit_acquire_timeout" validate:"gt=0"`
	SLATRMultiplier             float64       `yaml:"sl_atr_multiplier" mapstructure:"sl_atr_multiplier" validate:"gt=0"`
	TargetRewardRiskRatio       float64       `yaml:"target_reward_risk_ratio" mapstructure:"target_reward_risk_ratio" validate:"gt=0"`
	NormalVolatilityATRFraction float64       `yaml:"normal_volatility_atr_fraction" mapstructure:"normal_volatility_atr_fraction" validate:"gt=0"`
	MaxOrdersPerPair            int           `yaml:"max_orders_per_pair" mapstructure:"max_orders_per_pair" validate:"gte=1"`
	ReconcileInterval           time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval" validate:"gt=0"`
	PendingGrace                time.Duration `yaml:"pending_grace" mapstructure:"pending_grace" validate:"gt=0"`
	WorkerID                    string        `yaml:"worker_id" mapstructure:"worker_id"`
	LogLevel                    string        `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Pairs       []PairConfig      `yaml:"pairs" mapstructure:"pairs" validate:"required,min=1,dive"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	PriceSource PriceSourceConfig `yaml:"price_source" mapstructure:"price_source"`
	Execution   ExecutionConfig   `yaml:"execution" mapstructure:"execution"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`
	Notify      NotifyConfig      `yaml:"notify" mapstructure:"notify"`
}

// PairConfig describes one monitored instrument.
type PairConfig struct {
	Key       string  `yaml:"key" mapstructure:"key" validate:"required"`
	UnitValue float64 `yaml:"unit_value" mapstructure:"unit_value" validate:"gt=0"`
	PipSize   float64 `yaml:"pip_size" mapstructure:"pip_size" validate:"gt=0"`
	Real      bool    `yaml:"real" mapstructure:"real"`
}

// StoreConfig selects the shared store used for rate limits and leases.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"required"`
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
}

// PriceSourceConfig selects the upstream quote adapter.
type PriceSourceConfig struct {
	Kind       string  `yaml:"kind" mapstructure:"kind" validate:"oneof=http mock"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url" validate:"required_if=Kind http"`
	StartPrice float64 `yaml:"start_price" mapstructure:"start_price" validate:"gte=0"`
}

// ExecutionConfig selects the gateway used for real orders.
type ExecutionConfig struct {
	Kind    string `yaml:"kind" mapstructure:"kind" validate:"oneof=paper http"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required_if=Kind http"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// APIConfig configures the HTTP and gRPC listeners.
type APIConfig struct {
	HTTPAddr  string `yaml:"http_addr" mapstructure:"http_addr" validate:"required"`
	GRPCAddr  string `yaml:"grpc_addr" mapstructure:"grpc_addr" validate:"required"`
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret" validate:"required"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id" mapstructure:"telegram_chat_id" validate:"required_with=TelegramToken"`
}

// ConfigurationError is fatal: the scheduler must not start.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("configuration error: %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		MaxRiskFraction:          0.01,
		MaxConcurrentOrders:      5,
		MinSL:                    20,
		MaxSL:                    100,
		MinRewardRiskRatio:       1.5,
		MaxDrawdownFraction:      0.05,
		ActionabilityThreshold:   70,
		TimeoutDuration:          4 * time.Hour,
		TickInterval:             60 * time.Second,
		RateLimitCapacity:        15,
		RateLimitRefillPerSecond: 8,

		InitialCapital:              1_000_000,
		Timeframe:                   time.Minute,
		BufferCapacity:              1440,
		FetchTimeout:                10 * time.Second,
		RateLimitAcquireTimeout:     5 * time.Second,
		SLATRMultiplier:             2,
		TargetRewardRiskRatio:       2,
		NormalVolatilityATRFraction: 0.01,
		MaxOrdersPerPair:            1,
		ReconcileInterval:           30 * time.Second,
		PendingGrace:                2 * time.Minute,
		LogLevel:                    "info",

		Pairs: []PairConfig{{Key: "USDT/COP", UnitValue: 1, PipSize: 1}},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "./data/signal.db",
		},
		PriceSource: PriceSourceConfig{Kind: "mock", StartPrice: 4000},
		Execution:   ExecutionConfig{Kind: "paper"},
		API: APIConfig{
			HTTPAddr:  ":8080",
			GRPCAddr:  ":9090",
			JWTSecret: "dev-secret",
		},
	}
}

// Load reads the YAML file at path (optional when empty), applies SIGNAL_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigurationError{Key: "file", Err: err}
		}
		raw = b
		if err := strictDecode(raw); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetConfigType("yaml")
	if len(raw) > 0 {
		if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
			return nil, &ConfigurationError{Key: "file", Err: err}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// strictDecode rejects keys the Config struct does not declare, reporting
// the offending line.
func strictDecode(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var probe Config
	if err := dec.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
		return &ConfigurationError{Key: "file", Err: err}
	}
	return nil
}

// Validate checks ranges and cross-field rules.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ConfigurationError{Err: err}
		}
		problems := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			problems = append(problems, fmt.Errorf("%s: failed %q (value %v)", fieldKey(fe), ruleOf(fe), fe.Value()))
		}
		return &ConfigurationError{Key: fieldKey(verrs[0]), Err: errors.Join(problems...)}
	}

	seen := make(map[string]bool, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		if seen[p.Key] {
			return &ConfigurationError{Key: "pairs", Err: fmt.Errorf("duplicate pair %q", p.Key)}
		}
		seen[p.Key] = true
		if p.Real && cfg.Execution.Kind == "paper" {
			return &ConfigurationError{Key: "execution.kind", Err: fmt.Errorf("pair %q is real but execution is paper", p.Key)}
		}
	}
	return nil
}

func fieldKey(fe validator.FieldError) string {
	return strings.TrimPrefix(fe.Namespace(), "Config.")
}

func ruleOf(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("max_risk_fraction", d.MaxRiskFraction)
	v.SetDefault("max_concurrent_orders", d.MaxConcurrentOrders)
	v.SetDefault("min_sl", d.MinSL)
	v.SetDefault("max_sl", d.MaxSL)
	v.SetDefault("min_reward_risk_ratio", d.MinRewardRiskRatio)
	v.SetDefault("max_drawdown_fraction", d.MaxDrawdownFraction)
	v.SetDefault("actionability_threshold", d.ActionabilityThreshold)
	v.SetDefault("timeout_duration", d.TimeoutDuration)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("rate_limit_capacity", d.RateLimitCapacity)
	v.SetDefault("rate_limit_refill_per_second", d.RateLimitRefillPerSecond)

	v.SetDefault("initial_capital", d.InitialCapital)
	v.SetDefault("timeframe", d.Timeframe)
	v.SetDefault("buffer_capacity", d.BufferCapacity)
	v.SetDefault("fetch_timeout", d.FetchTimeout)
	v.SetDefault("rate_limit_acquire_timeout", d.RateLimitAcquireTimeout)
	v.SetDefault("sl_atr_multiplier", d.SLATRMultiplier)
	v.SetDefault("target_reward_risk_ratio", d.TargetRewardRiskRatio)
	v.SetDefault("normal_volatility_atr_fraction", d.NormalVolatilityATRFraction)
	v.SetDefault("max_orders_per_pair", d.MaxOrdersPerPair)
	v.SetDefault("reconcile_interval", d.ReconcileInterval)
	v.SetDefault("pending_grace", d.PendingGrace)
	v.SetDefault("worker_id", d.WorkerID)
	v.SetDefault("log_level", d.LogLevel)

	pairs := make([]map[string]any, 0, len(d.Pairs))
	for _, p := range d.Pairs {
		pairs = append(pairs, map[string]any{
			"key":        p.Key,
			"unit_value": p.UnitValue,
			"pip_size":   p.PipSize,
			"real":       p.Real,
		})
	}
	v.SetDefault("pairs", pairs)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.postgres_dsn", d.Store.PostgresDSN)
	v.SetDefault("price_source.kind", d.PriceSource.Kind)
	v.SetDefault("price_source.base_url", d.PriceSource.BaseURL)
	v.SetDefault("price_source.start_price", d.PriceSource.StartPrice)
	v.SetDefault("execution.kind", d.Execution.Kind)
	v.SetDefault("execution.base_url", d.Execution.BaseURL)
	v.SetDefault("execution.api_key", d.Execution.APIKey)
	v.SetDefault("api.http_addr", d.API.HTTPAddr)
	v.SetDefault("api.grpc_addr", d.API.GRPCAddr)
	v.SetDefault("api.jwt_secret", d.API.JWTSecret)
	v.SetDefault("notify.telegram_token", d.Notify.TelegramToken)
	v.SetDefault("notify.telegram_chat_id", d.Notify.TelegramChatID)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
