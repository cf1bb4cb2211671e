package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	LogLevel    string `yaml:"log_level"`

	VerifierAPIURL string `yaml:"verifier_api_url"`
	VerifierAPIKey string `yaml:"verifier_api_key"`
	HubAPIURL      string `yaml:"hub_api_url"`
	DALayerAPIURL  string `yaml:"da_layer_api_url"`
	BeaconURL      string `yaml:"beacon_url"`

	RPCURL           string `yaml:"rpc_url"`
	ChainID          int64  `yaml:"chain_id"`
	PurchaseContract string `yaml:"purchase_contract"`
	HubContract      string `yaml:"hub_contract"`
	BeaconContract   string `yaml:"beacon_contract"`

	MinPayment       int64  `yaml:"min_payment"`
	Payee            string `yaml:"payee"`
	BasePrice        int64  `yaml:"base_price"`
	VariationPercent int64  `yaml:"variation_percent"`

	PollInitialSeconds int `yaml:"poll_initial_seconds"`
	PollMaxSeconds     int `yaml:"poll_max_seconds"`
	PollCeilingSeconds int `yaml:"poll_ceiling_seconds"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	PolicyBundlePath string `yaml:"policy_bundle_path"`
	AdminAPIKey      string `yaml:"admin_api_key"`

	RateLimitRequests      int  `yaml:"rate_limit_requests"`
	RateLimitWindowSeconds int  `yaml:"rate_limit_window_seconds"`
	RateLimitFailClosed    bool `yaml:"rate_limit_fail_closed"`
	RateLimitMaxKeys       int  `yaml:"rate_limit_max_keys"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:    addr,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		LogLevel:    envDefault("LOG_LEVEL", "info"),

		VerifierAPIURL: os.Getenv("VERIFIER_API_URL"),
		VerifierAPIKey: os.Getenv("VERIFIER_API_KEY"),
		HubAPIURL:      os.Getenv("HUB_API_URL"),
		DALayerAPIURL:  os.Getenv("DA_LAYER_API_URL"),
		BeaconURL:      os.Getenv("BEACON_URL"),

		RPCURL:           os.Getenv("RPC_URL"),
		ChainID:          envInt64Default("CHAIN_ID", 114),
		PurchaseContract: os.Getenv("PURCHASE_CONTRACT"),
		HubContract:      os.Getenv("HUB_CONTRACT"),
		BeaconContract:   os.Getenv("BEACON_CONTRACT"),

		MinPayment:       envInt64Default("MIN_PAYMENT", 1),
		Payee:            os.Getenv("PAYEE"),
		BasePrice:        envInt64Default("BASE_PRICE", 10_000),
		VariationPercent: envInt64Default("VARIATION_PERCENT", 10),

		PollInitialSeconds: envIntDefault("POLL_INITIAL_SECONDS", 2),
		PollMaxSeconds:     envIntDefault("POLL_MAX_SECONDS", 30),
		PollCeilingSeconds: envIntDefault("POLL_CEILING_SECONDS", 300),

		KafkaBrokers: envList("KAFKA_BROKERS"),
		KafkaTopic:   envDefault("KAFKA_TOPIC", "skysettle.ledger.events"),

		PolicyBundlePath: os.Getenv("POLICY_BUNDLE_PATH"),
		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),

		RateLimitRequests:      envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds: envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:    envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:       envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envIntDefault("REDIS_DB", 0),
	}
}

// Load builds the config from the environment and, when path is not
// empty, overlays values from a YAML file. File values win over env.
func Load(path string) (Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func (c Config) PollInitial() time.Duration {
	return time.Duration(c.PollInitialSeconds) * time.Second
}

func (c Config) PollMax() time.Duration {
	return time.Duration(c.PollMaxSeconds) * time.Second
}

func (c Config) PollCeiling() time.Duration {
	return time.Duration(c.PollCeilingSeconds) * time.Second
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envInt64Default(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
