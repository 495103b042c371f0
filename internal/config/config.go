// Package config defines all configuration for the market-making client.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PMM_* environment variables. A .env file
// in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// SandboxBaseURL is the exchange's sandbox REST root.
const SandboxBaseURL = "https://api-ss-sandbox.betprophet.co"

// DefaultPusherURLTemplate is filled with {cluster} and {key} from the
// exchange's connection config.
const DefaultPusherURLTemplate = "wss://ws-{cluster}.pusher.com/app/{key}?protocol=7&client=prophetx-mm&version=0.1.0&flash=false"

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Tournaments []string          `mapstructure:"tournaments"`
	Wager       WagerConfig       `mapstructure:"wager"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Store       StoreConfig       `mapstructure:"store"`
	Export      ExportConfig      `mapstructure:"export"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Status      StatusConfig      `mapstructure:"status"`
}

// APIConfig holds exchange endpoints.
// PusherURLTemplate may be pointed at a local websocket server for testing.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PusherURLTemplate string        `mapstructure:"pusher_url_template"`
}

// CredentialsConfig is the partner key pair used by the login endpoint.
type CredentialsConfig struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// WagerConfig tunes the randomized decision policy and cancel sweeps.
//
//   - EventProbability: chance an eligible event is considered at all.
//   - SelectionProbability: chance each selection of a chosen event becomes a candidate.
//   - MarketType: only markets of this type are eligible (e.g. "moneyline").
//   - BatchSize: wagers submitted in the batch that follows each single placement.
//   - BatchCancelMax: upper bound of ledger entries drawn per batch-cancel sweep.
//   - CancelProbability: chance each confirmed wager is cancelled per single-cancel sweep.
type WagerConfig struct {
	Stake                decimal.Decimal `mapstructure:"stake"`
	EventProbability     float64         `mapstructure:"event_probability"`
	SelectionProbability float64         `mapstructure:"selection_probability"`
	MarketType           string          `mapstructure:"market_type"`
	BatchSize            int             `mapstructure:"batch_size"`
	BatchCancelMax       int             `mapstructure:"batch_cancel_max"`
	CancelProbability    float64         `mapstructure:"cancel_probability"`
}

// ScheduleConfig sets the periodic task cadences. With Enabled false the
// client only keeps its session and subscription alive.
type ScheduleConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	PlayInterval        time.Duration `mapstructure:"play_interval"`
	CancelInterval      time.Duration `mapstructure:"cancel_interval"`
	BatchCancelInterval time.Duration `mapstructure:"batch_cancel_interval"`
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	BalanceInterval     time.Duration `mapstructure:"balance_interval"`
}

// StoreConfig sets where the wager ledger is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ExportConfig selects the destination for snapshot rows.
// Sink is one of: csv, redis, kafka, postgres.
type ExportConfig struct {
	Sink         string        `mapstructure:"sink"`
	Destination  string        `mapstructure:"destination"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	KafkaBrokers []string      `mapstructure:"kafka_brokers"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the operator status server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Default returns a Config with the sandbox endpoint and the stock cadences.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:           SandboxBaseURL,
			Timeout:           10 * time.Second,
			PusherURLTemplate: DefaultPusherURLTemplate,
		},
		Wager: WagerConfig{
			Stake:                decimal.NewFromInt(1),
			EventProbability:     0.3,
			SelectionProbability: 0.3,
			MarketType:           "moneyline",
			BatchSize:            3,
			BatchCancelMax:       4,
			CancelProbability:    0.5,
		},
		Schedule: ScheduleConfig{
			Enabled:             true,
			PlayInterval:        10 * time.Second,
			CancelInterval:      9 * time.Second,
			BatchCancelInterval: 7 * time.Second,
			RefreshInterval:     8 * time.Minute,
			BalanceInterval:     5 * time.Minute,
		},
		Store: StoreConfig{DataDir: "data"},
		Export: ExportConfig{
			Sink:        "csv",
			Destination: "snapshot.csv",
			SettleDelay: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Status:  StatusConfig{Enabled: false, Port: 8090},
	}
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PMM_ACCESS_KEY, PMM_SECRET_KEY.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("PMM_ACCESS_KEY"); key != "" {
		cfg.Credentials.AccessKey = key
	}
	if secret := os.Getenv("PMM_SECRET_KEY"); secret != "" {
		cfg.Credentials.SecretKey = secret
	}
	if url := os.Getenv("PMM_BASE_URL"); url != "" {
		cfg.API.BaseURL = url
	}

	return &cfg, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook lets stake amounts be written as YAML numbers or strings.
func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return nil, fmt.Errorf("cannot decode %s into decimal", from)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.pusher_url_template", d.API.PusherURLTemplate)
	v.SetDefault("wager.stake", d.Wager.Stake.String())
	v.SetDefault("wager.event_probability", d.Wager.EventProbability)
	v.SetDefault("wager.selection_probability", d.Wager.SelectionProbability)
	v.SetDefault("wager.market_type", d.Wager.MarketType)
	v.SetDefault("wager.batch_size", d.Wager.BatchSize)
	v.SetDefault("wager.batch_cancel_max", d.Wager.BatchCancelMax)
	v.SetDefault("wager.cancel_probability", d.Wager.CancelProbability)
	v.SetDefault("schedule.enabled", d.Schedule.Enabled)
	v.SetDefault("schedule.play_interval", d.Schedule.PlayInterval)
	v.SetDefault("schedule.cancel_interval", d.Schedule.CancelInterval)
	v.SetDefault("schedule.batch_cancel_interval", d.Schedule.BatchCancelInterval)
	v.SetDefault("schedule.refresh_interval", d.Schedule.RefreshInterval)
	v.SetDefault("schedule.balance_interval", d.Schedule.BalanceInterval)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("export.sink", d.Export.Sink)
	v.SetDefault("export.destination", d.Export.Destination)
	v.SetDefault("export.settle_delay", d.Export.SettleDelay)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("status.enabled", d.Status.Enabled)
	v.SetDefault("status.port", d.Status.Port)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Credentials.AccessKey == "" {
		return fmt.Errorf("credentials.access_key is required (set PMM_ACCESS_KEY)")
	}
	if c.Credentials.SecretKey == "" {
		return fmt.Errorf("credentials.secret_key is required (set PMM_SECRET_KEY)")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if !strings.Contains(c.API.PusherURLTemplate, "{key}") {
		return fmt.Errorf("api.pusher_url_template must contain {key}")
	}
	if len(c.Tournaments) == 0 {
		return fmt.Errorf("tournaments must list at least one tournament name")
	}
	if !c.Wager.Stake.IsPositive() {
		return fmt.Errorf("wager.stake must be > 0")
	}
	for name, p := range map[string]float64{
		"wager.event_probability":     c.Wager.EventProbability,
		"wager.selection_probability": c.Wager.SelectionProbability,
		"wager.cancel_probability":    c.Wager.CancelProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be within [0, 1]", name)
		}
	}
	if c.Wager.BatchSize < 0 {
		return fmt.Errorf("wager.batch_size must be >= 0")
	}
	if c.Wager.BatchCancelMax <= 0 {
		return fmt.Errorf("wager.batch_cancel_max must be > 0")
	}
	if c.Schedule.Enabled {
		for name, d := range map[string]time.Duration{
			"schedule.play_interval":         c.Schedule.PlayInterval,
			"schedule.cancel_interval":       c.Schedule.CancelInterval,
			"schedule.batch_cancel_interval": c.Schedule.BatchCancelInterval,
		} {
			if d <= 0 {
				return fmt.Errorf("%s must be > 0", name)
			}
		}
	}
	if c.Schedule.RefreshInterval <= 0 {
		return fmt.Errorf("schedule.refresh_interval must be > 0")
	}
	switch c.Export.Sink {
	case "csv", "redis", "kafka", "postgres":
	default:
		return fmt.Errorf("export.sink must be one of: csv, redis, kafka, postgres")
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be a valid TCP port")
	}
	return nil
}
