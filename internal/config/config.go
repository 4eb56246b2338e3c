// Package config loads the orchestrator's run configuration: viper for
// flow-test.config.{yml,yaml,json}, godotenv for an optional .env file,
// environment variables automatically overlaid on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/flowtestlabs/flowtest/internal/errs"
)

// Reporting controls where run artifacts are written.
type Reporting struct {
	OutputDir string `mapstructure:"output_dir"`
}

// Filters mirrors orchestrator.Filters in raw, unparsed form as it comes
// off the config file / CLI flags.
type Filters struct {
	Tags       []string `mapstructure:"tags"`
	Priorities []string `mapstructure:"priorities"`
	NodeIDs    []string `mapstructure:"node_ids"`
}

// Timeouts groups the run's cooperative cancellation budgets.
type Timeouts struct {
	RunMs  int `mapstructure:"run_ms"`
	StepMs int `mapstructure:"step_ms"`
}

// Config is flow-test.config.{yml,yaml,json}'s parsed shape.
type Config struct {
	Roots             []string  `mapstructure:"roots"`
	Reporting         Reporting `mapstructure:"reporting"`
	Workers           int       `mapstructure:"workers"`
	ContinueOnFailure bool      `mapstructure:"continue_on_failure"`
	Timeouts          Timeouts  `mapstructure:"timeouts"`
	EnvFile           string    `mapstructure:"env_file"`
	Filters           Filters   `mapstructure:"filters"`
}

// RunTimeout converts Timeouts.RunMs to a time.Duration, 0 meaning "no
// global timeout".
func (c Config) RunTimeout() time.Duration {
	if c.Timeouts.RunMs <= 0 {
		return 0
	}
	return time.Duration(c.Timeouts.RunMs) * time.Millisecond
}

// Load reads flow-test.config.{yml,yaml,json} from cwd (or cfgFile if
// set), applies environment variable overrides, and loads an optional
// .env file (from EnvFile or the default ".env" in cwd) into the process
// environment before returning.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	v.SetDefault("workers", 4)
	v.SetDefault("reporting.output_dir", "results")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("flow-test.config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, errs.New(errs.KindConfiguration, errs.CodeInvalidYAML,
				"failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.New(errs.KindConfiguration, errs.CodeSchemaViolation,
			"failed to decode config", err)
	}

	envFile := cfg.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return cfg, errs.New(errs.KindConfiguration, errs.CodeInvalidYAML,
			fmt.Sprintf("failed to load env file %q", envFile), err)
	}

	if len(cfg.Roots) == 0 {
		cfg.Roots = []string{"."}
	}

	return cfg, nil
}
