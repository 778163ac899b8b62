package config

// Package config provides a reusable loader for Graphchan configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"graphchan/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Graphchan node. It
// mirrors the recognized options of §6.7 in the specification.
type Config struct {
	API struct {
		Port           int   `mapstructure:"port" json:"port"`
		MaxUploadBytes int64 `mapstructure:"max_upload_bytes" json:"max_upload_bytes"`
	} `mapstructure:"api" json:"api"`

	Network struct {
		ListenAddr          string   `mapstructure:"listen_addr" json:"listen_addr"`
		PublicAddresses     []string `mapstructure:"public_addresses" json:"public_addresses"`
		RelayURL            string   `mapstructure:"relay_url" json:"relay_url"`
		DisableDHT          bool     `mapstructure:"disable_dht" json:"disable_dht"`
		DisableLANDiscovery bool     `mapstructure:"disable_lan_discovery" json:"disable_lan_discovery"`
		BootstrapPeers      []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Downloads struct {
		BlobTimeoutSeconds int `mapstructure:"blob_timeout_seconds" json:"blob_timeout_seconds"`
		MaxAttempts        int `mapstructure:"max_attempts" json:"max_attempts"`
		MaxConcurrent      int `mapstructure:"max_concurrent" json:"max_concurrent"`
	} `mapstructure:"downloads" json:"downloads"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// defaults populates Config with the values the spec names as defaults
// (60s blob timeout, 5 retry attempts, 4 concurrent downloads — §5, §4.9).
func defaults() {
	viper.SetDefault("api.port", 8899)
	viper.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/0")
	viper.SetDefault("storage.data_dir", "./graphchan-data")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("downloads.blob_timeout_seconds", 60)
	viper.SetDefault("downloads.max_attempts", 5)
	viper.SetDefault("downloads.max_concurrent", 4)
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge an additional
// config file named "<env>.yaml" over the default. If env is empty, only
// the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // best-effort, missing .env is not an error

	defaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("graphchan")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the GRAPHCHAN_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("GRAPHCHAN_ENV", ""))
}
