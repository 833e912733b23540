package main

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
	"lukechampine.com/frand"
)

// #############################################################################

type Config struct {
	Components         int          `mapstructure:"components"`
	Rounds             int          `mapstructure:"rounds"`
	Tolerance          float64      `mapstructure:"tolerance"`
	Seed               uint64       `mapstructure:"seed"`
	MeanMin            float64      `mapstructure:"mean_min"`
	MeanMax            float64      `mapstructure:"mean_max"`
	RekeyEachRound     bool         `mapstructure:"rekey_each_round"`
	LogLikelihood      bool         `mapstructure:"log_likelihood"`
	// PrecisionCheck returns every party's plaintext contribution to the
	// coordinator. Debug runs only.
	PrecisionCheck     bool         `mapstructure:"precision_check"`
	PrecisionTolerance float64      `mapstructure:"precision_tolerance"`
	MaxRecoveries      int          `mapstructure:"max_recoveries"`
	Workers            int          `mapstructure:"workers"`
	Scheme             SchemeParams `mapstructure:"scheme"`
	Data               DataConfig   `mapstructure:"data"`
	ResultDir          string       `mapstructure:"result_dir"`
	HistoryDB          string       `mapstructure:"history_db"`
	Progress           bool         `mapstructure:"progress"`
	Profile            bool         `mapstructure:"profile"`
}

type DataConfig struct {
	Path             string    `mapstructure:"path"`
	Generate         bool      `mapstructure:"generate"`
	Clusters         int       `mapstructure:"clusters"`
	PointsPerCluster int       `mapstructure:"points_per_cluster"`
	MeanRange        []float64 `mapstructure:"mean_range"`
	Seed             uint64    `mapstructure:"seed"`
}

var defaults = map[string]interface{}{
	"components":              3,
	"rounds":                  40,
	"tolerance":               1e-6,
	"seed":                    0,
	"mean_min":                -10.0,
	"mean_max":                10.0,
	"rekey_each_round":        true,
	"log_likelihood":          true,
	"precision_check":         false,
	"precision_tolerance":     1e-3,
	"max_recoveries":          3,
	"workers":                 0,
	"scheme.log_n":            13,
	"scheme.log_q":            []int{60, 40, 40},
	"scheme.log_p":            []int{60},
	"scheme.log_scale":        40,
	"scheme.plaintext":        false,
	"data.path":               "data/points.csv",
	"data.generate":           true,
	"data.clusters":           3,
	"data.points_per_cluster": 200,
	"data.mean_range":         []float64{-10, 10},
	"data.seed":               0,
	"result_dir":              "results",
	"history_db":              "",
	"progress":                true,
	"profile":                 false,
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	var cfg Config
	Check(v.Unmarshal(&cfg))
	return &cfg
}

// LoadConfig reads path, or ./config.* when path is empty. Keys can be
// overridden from the environment with the PPEM_ prefix, e.g.
// PPEM_SCHEME_PLAINTEXT=true.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("PPEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Components < 1:
		return fmt.Errorf("components must be positive, got %d", c.Components)
	case c.Rounds < 1:
		return fmt.Errorf("rounds must be positive, got %d", c.Rounds)
	case c.MeanMin >= c.MeanMax:
		return fmt.Errorf("mean range [%g,%g] is empty", c.MeanMin, c.MeanMax)
	case c.Tolerance < 0:
		return fmt.Errorf("negative tolerance %g", c.Tolerance)
	case c.MaxRecoveries < 0:
		return fmt.Errorf("negative max_recoveries %d", c.MaxRecoveries)
	}
	if !c.Scheme.Plaintext {
		if len(c.Scheme.LogQ) == 0 {
			return fmt.Errorf("scheme.log_q is empty")
		}
		if _, err := CKKSParameters(c.Scheme); err != nil {
			return err
		}
	}
	if c.Data.Generate && len(c.Data.MeanRange) != 2 {
		return fmt.Errorf("data.mean_range needs two values, got %v", c.Data.MeanRange)
	}
	return nil
}

// Warnings lists enabled settings that weaken the privacy of a run.
func (c *Config) Warnings() []string {
	var w []string
	if c.PrecisionCheck {
		w = append(w, "precision_check reveals per-party contributions to the coordinator; use for debugging only")
	}
	if c.Scheme.Plaintext {
		w = append(w, "scheme.plaintext sends contributions unencrypted")
	}
	return w
}

// ResolveSeeds replaces zero seeds with random ones so that a run can be
// reproduced from its logged configuration.
func (c *Config) ResolveSeeds() {
	if c.Seed == 0 {
		c.Seed = frand.Uint64n(math.MaxUint64) + 1
	}
	if c.Data.Seed == 0 {
		c.Data.Seed = frand.Uint64n(math.MaxUint64) + 1
	}
}

// #############################################################################
