package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/parleychat/parley/globals"
)

// MaxPageSize caps the page size of explicit history requests.
const MaxPageSize = 100

const (
	defaultHistorySize    = 50
	defaultRateWindowSec  = 5
	defaultRateMaxCount   = 10
	defaultBcryptCost     = 10
	defaultPreviewTimeout = 5 // seconds
	defaultPreviewCache   = 256
)

// Config is the global configuration object which is filled via the
// configuration file and environment/flags.
type Config struct {
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	RateLimitConfig   RateLimitConfig   `mapstructure:"rate_limit"`
	ModerationConfig  ModerationConfig  `mapstructure:"moderation"`
	PreviewConfig     PreviewConfig     `mapstructure:"link_preview"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	LogLevel          string            `mapstructure:"log_level"`
	BcryptCost        int               `mapstructure:"bcrypt_cost"`
}

// HistoryConfig sets the size of the initial history page pushed to newly
// joined clients. Explicit history requests are capped at MaxPageSize.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// PersistenceConfig selects the storage backend. Type is "sqlite", "postgres"
// or "buntdb", DSN the backend-specific data source (file path for sqlite and
// buntdb). RedisAddr optionally enables the recent-history cache.
type PersistenceConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// RateLimitConfig configures the fixed-window abuse limit applied to message
// sends in addition to any room slow mode.
type RateLimitConfig struct {
	WindowSec int `mapstructure:"window_sec"`
	MaxCount  int `mapstructure:"max_count"`
}

// ModerationConfig configures the word filter and the optional flag
// expression evaluated against every stored message.
type ModerationConfig struct {
	Words          []string `mapstructure:"words"`
	FlagExpression string   `mapstructure:"flag_expression"`
}

// PreviewConfig bounds the link preview fetcher. A zero timeout disables
// previews entirely.
type PreviewConfig struct {
	TimeoutSec int `mapstructure:"timeout_sec"`
	CacheSize  int `mapstructure:"cache_size"`
}

// An OIDCConfig object configures an OpenID Connect provider used to resolve
// identities. Clients pass an ID token and the provider name, authentication
// happens via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use
// - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object with defaults applied.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("bcrypt_cost", defaultBcryptCost)
	viper.SetDefault("history.history_size", defaultHistorySize)
	viper.SetDefault("rate_limit.window_sec", defaultRateWindowSec)
	viper.SetDefault("rate_limit.max_count", defaultRateMaxCount)
	viper.SetDefault("link_preview.timeout_sec", defaultPreviewTimeout)
	viper.SetDefault("link_preview.cache_size", defaultPreviewCache)
	if err := viper.BindPFlags(flagSet); err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("PARLEY")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			globals.AppLogger.Error("could not read config", "error", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		globals.AppLogger.Error("could not unmarshal config", "error", err)
	}
	return &cfg, nil
}
