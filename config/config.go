// Package config centralises runtime configuration for the marketdeck core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StreamSettings configures the push transport adapter.
type StreamSettings struct {
	// URL is the websocket endpoint; when empty the simulated feed is used.
	URL                  string        `yaml:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectInitialWait time.Duration `yaml:"reconnect_initial_wait"`
	ReconnectMaxWait     time.Duration `yaml:"reconnect_max_wait"`
	TickerInterval       time.Duration `yaml:"ticker_interval"`
	TradeInterval        time.Duration `yaml:"trade_interval"`
	DepthInterval        time.Duration `yaml:"depth_interval"`
	KlineInterval        time.Duration `yaml:"kline_interval"`
	Symbols              []string      `yaml:"symbols"`
}

// QuerySettings configures the pull-side REST client.
type QuerySettings struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CoinListLimit     int           `yaml:"coin_list_limit"`
	KlineLimit        int           `yaml:"kline_limit"`
	DepthLimit        int           `yaml:"depth_limit"`
	TradeLimit        int           `yaml:"trade_limit"`
}

// PollSettings configures the arbitration controller's poll scheduler.
type PollSettings struct {
	CoinListInterval time.Duration `yaml:"coin_list_interval"`
	FocusInterval    time.Duration `yaml:"focus_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// SinkSettings bounds the state projections.
type SinkSettings struct {
	TradeTapeCap     int      `yaml:"trade_tape_cap"`
	CandleSeriesCap  int      `yaml:"candle_series_cap"`
	OrderHistoryCap  int      `yaml:"order_history_cap"`
	DefaultFavorites []string `yaml:"default_favorites"`
	DefaultFocus     string   `yaml:"default_focus"`
}

// ServerSettings configures the HTTP control surface.
type ServerSettings struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings contains the configuration tree loaded from defaults, an optional
// YAML file, and environment overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Stream      StreamSettings    `yaml:"stream"`
	Query       QuerySettings     `yaml:"query"`
	Poll        PollSettings      `yaml:"poll"`
	Sink        SinkSettings      `yaml:"sink"`
	Server      ServerSettings    `yaml:"server"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// DefaultSymbols is the instrument universe used when none is configured.
var DefaultSymbols = []string{
	"BTCUSDT",
	"ETHUSDT",
	"BNBUSDT",
	"ADAUSDT",
	"SOLUSDT",
	"XRPUSDT",
	"DOTUSDT",
	"AVAXUSDT",
}

// Default returns the default configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Stream: StreamSettings{
			URL:                  "",
			HandshakeTimeout:     10 * time.Second,
			MaxReconnectAttempts: 5,
			ReconnectInitialWait: time.Second,
			ReconnectMaxWait:     30 * time.Second,
			TickerInterval:       2 * time.Second,
			TradeInterval:        1500 * time.Millisecond,
			DepthInterval:        3 * time.Second,
			KlineInterval:        5 * time.Second,
			Symbols:              append([]string(nil), DefaultSymbols...),
		},
		Query: QuerySettings{
			BaseURL:           "https://api.binance.com/api/v3",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			CoinListLimit:     50,
			KlineLimit:        100,
			DepthLimit:        20,
			TradeLimit:        50,
		},
		Poll: PollSettings{
			CoinListInterval: 30 * time.Second,
			FocusInterval:    5 * time.Second,
			FailureThreshold: 3,
		},
		Sink: SinkSettings{
			TradeTapeCap:     50,
			CandleSeriesCap:  500,
			OrderHistoryCap:  100,
			DefaultFavorites: []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"},
			DefaultFocus:     "BTCUSDT",
		},
		Server: ServerSettings{
			Addr:              ":8880",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "marketdeck",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// the provided base.
func FromEnv(base Settings) Settings {
	cfg := base
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_STREAM_URL")); v != "" {
		cfg.Stream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_QUERY_BASE_URL")); v != "" {
		cfg.Query.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_SERVER_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_QUERY_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Query.Timeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_POLL_FOCUS_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Poll.FocusInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("MARKETDECK_FAILURE_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Poll.FailureThreshold = n
		}
	}
	return cfg
}

// LoadOrDefault reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the second return
// reports whether the file was read.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg = FromEnv(cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Settings{}, loaded, err
	}
	return cfg, loaded, nil
}

func (s *Settings) normalize() {
	if len(s.Stream.Symbols) == 0 {
		s.Stream.Symbols = append([]string(nil), DefaultSymbols...)
	}
	if s.Stream.MaxReconnectAttempts <= 0 {
		s.Stream.MaxReconnectAttempts = 5
	}
	if s.Stream.ReconnectInitialWait <= 0 {
		s.Stream.ReconnectInitialWait = time.Second
	}
	if s.Stream.ReconnectMaxWait < s.Stream.ReconnectInitialWait {
		s.Stream.ReconnectMaxWait = 30 * time.Second
	}
	if s.Sink.TradeTapeCap <= 0 {
		s.Sink.TradeTapeCap = 50
	}
	if s.Sink.CandleSeriesCap <= 0 {
		s.Sink.CandleSeriesCap = 500
	}
	if s.Sink.OrderHistoryCap <= 0 {
		s.Sink.OrderHistoryCap = 100
	}
	if s.Poll.FailureThreshold <= 0 {
		s.Poll.FailureThreshold = 3
	}
	if s.Query.Burst <= 0 {
		s.Query.Burst = 1
	}
}

// Validate rejects configurations the core cannot run with.
func (s Settings) Validate() error {
	if s.Query.BaseURL == "" {
		return fmt.Errorf("config: query.base_url required")
	}
	if s.Poll.CoinListInterval <= 0 || s.Poll.FocusInterval <= 0 {
		return fmt.Errorf("config: poll intervals must be positive")
	}
	if s.Stream.TickerInterval <= 0 || s.Stream.TradeInterval <= 0 ||
		s.Stream.DepthInterval <= 0 || s.Stream.KlineInterval <= 0 {
		return fmt.Errorf("config: stream intervals must be positive")
	}
	if s.Query.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: query.requests_per_second must be positive")
	}
	return nil
}
