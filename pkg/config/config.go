package config

// Package config provides a reusable loader for cairnvm node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"cairnvm/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a cairnvm node: the runtime's
// fuel/gas/token constants, the store's connection
// string, and ambient logging.
type Config struct {
	Runtime struct {
		FuelPerGas      uint64 `mapstructure:"fuel_per_gas" json:"fuel_per_gas"`
		GasToTokenRatio string `mapstructure:"gas_to_token_ratio" json:"gas_to_token_ratio"`
		FuelForNonProcs uint64 `mapstructure:"fuel_for_non_procs" json:"fuel_for_non_procs"`
		DefaultGasLimit uint64 `mapstructure:"default_gas_limit" json:"default_gas_limit"`
	} `mapstructure:"runtime" json:"runtime"`

	Store struct {
		DSN string `mapstructure:"dsn" json:"dsn"`
	} `mapstructure:"store" json:"store"`

	Reactor struct {
		GenesisFile string `mapstructure:"genesis_file" json:"genesis_file"`
	} `mapstructure:"reactor" json:"reactor"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/cairnvmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up matching process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}

	// Per-tunable overrides, applied after the file/env merge above so an
	// operator can nudge a single fuel constant without touching the config
	// file or fighting viper's own env binding for nested keys.
	AppConfig.Runtime.FuelPerGas = utils.EnvOrDefaultUint64("CAIRNVM_FUEL_PER_GAS", AppConfig.Runtime.FuelPerGas)
	AppConfig.Runtime.FuelForNonProcs = utils.EnvOrDefaultUint64("CAIRNVM_FUEL_FOR_NON_PROCS", AppConfig.Runtime.FuelForNonProcs)
	AppConfig.Runtime.DefaultGasLimit = utils.EnvOrDefaultUint64("CAIRNVM_DEFAULT_GAS_LIMIT", AppConfig.Runtime.DefaultGasLimit)

	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CAIRNVM_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CAIRNVM_ENV", ""))
}
