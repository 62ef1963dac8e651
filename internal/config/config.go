package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Wallet kinds accepted by WalletConfig.Kind.
const (
	WalletEmbedded = "embedded"
	WalletKeystore = "keystore"
	WalletInjected = "injected"
)

// Session token stores accepted by SessionConfig.Store.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Inference InferenceConfig `mapstructure:"inference"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Session   SessionConfig   `mapstructure:"session"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Airdrop   AirdropConfig   `mapstructure:"airdrop"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Server    ServerConfig    `mapstructure:"server"`
}

type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type InferenceConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

type ChainConfig struct {
	DefaultID int64  `mapstructure:"default_id"`
	RPCURL    string `mapstructure:"rpc_url"`
}

type WalletConfig struct {
	Kind        string `mapstructure:"kind"`
	PrivateKey  string `mapstructure:"private_key"`
	KeystoreDir string `mapstructure:"keystore_dir"`
	Passphrase  string `mapstructure:"passphrase"`
	ProviderURL string `mapstructure:"provider_url"`
	Address     string `mapstructure:"address"`
}

type SessionConfig struct {
	Store         string `mapstructure:"store"`
	File          string `mapstructure:"file"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	Key           string `mapstructure:"key"`
}

// RetryConfig is the single retry policy shared by the RPC transport and the
// transaction confirmation waiter.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type AirdropConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads configuration from defaults, an optional config.yaml found in
// path (or the working directory), and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("inference.model", "unreal::mixtral-8x22b-instruct")
	v.SetDefault("chain.default_id", 8192)
	v.SetDefault("wallet.kind", WalletEmbedded)
	v.SetDefault("session.store", StoreFile)
	v.SetDefault("session.file", defaultTokenFile())
	v.SetDefault("session.key", "unreal:bearer_token")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial", "1s")
	v.SetDefault("retry.max", "4s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("airdrop.poll_interval", "10s")
	v.SetDefault("airdrop.timeout", "20m")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("server.port", 8787)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/unreal-console")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"backend.url":            "BACKEND_URL",
		"inference.url":          "OPENAI_BASE_URL",
		"inference.model":        "OPENAI_MODEL",
		"chain.default_id":       "CHAIN_ID",
		"chain.rpc_url":          "RPC_URL",
		"wallet.kind":            "WALLET_KIND",
		"wallet.private_key":     "WALLET_PRIVATE_KEY",
		"wallet.keystore_dir":    "WALLET_KEYSTORE_DIR",
		"wallet.passphrase":      "WALLET_PASSPHRASE",
		"wallet.provider_url":    "WALLET_PROVIDER_URL",
		"wallet.address":         "WALLET_ADDRESS",
		"session.store":          "SESSION_STORE",
		"session.file":           "SESSION_FILE",
		"session.redis_addr":     "REDIS_ADDR",
		"session.redis_password": "REDIS_PASSWORD",
		"logger.level":           "LOG_LEVEL",
		"server.port":            "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Inference.URL == "" && cfg.Backend.URL != "" {
		cfg.Inference.URL = strings.TrimRight(cfg.Backend.URL, "/") + "/v1"
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("required config missing: BACKEND_URL")
	}

	switch c.Wallet.Kind {
	case WalletEmbedded:
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("required config missing: WALLET_PRIVATE_KEY")
		}
	case WalletKeystore:
		if c.Wallet.KeystoreDir == "" {
			return fmt.Errorf("required config missing: WALLET_KEYSTORE_DIR")
		}
	case WalletInjected:
		if c.Wallet.ProviderURL == "" {
			return fmt.Errorf("required config missing: WALLET_PROVIDER_URL")
		}
	default:
		return fmt.Errorf("unknown wallet kind %q", c.Wallet.Kind)
	}

	switch c.Session.Store {
	case StoreFile:
		if c.Session.File == "" {
			return fmt.Errorf("required config missing: SESSION_FILE")
		}
	case StoreRedis:
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("required config missing: REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.Session.Store)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	return nil
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".unreal-console/token"
	}
	return filepath.Join(home, ".unreal-console", "token")
}
