package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ScoringConfig is the per-type multiplier table used by the points calculator.
type ScoringConfig struct {
	Multipliers       map[string]float64 `mapstructure:"multipliers"`
	DefaultMultiplier float64            `mapstructure:"defaultMultiplier"`
}

func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Multipliers: map[string]float64{
			"run":                1.0,
			"trail_run":          1.0,
			"virtual_run":        0.8,
			"walk":               0.8,
			"hike":               0.9,
			"ride":               0.4,
			"virtual_ride":       0.3,
			"mountain_bike_ride": 0.5,
			"ebike_ride":         0.3,
			"swim":               1.5,
		},
		DefaultMultiplier: 0.5,
	}
}

type ScoringConfigHolder struct {
	current atomic.Value // holds ScoringConfig
}

// NewStaticScoringConfigHolder returns a holder that never reloads.
func NewStaticScoringConfigHolder(cfg ScoringConfig) *ScoringConfigHolder {
	holder := &ScoringConfigHolder{}
	holder.current.Store(normalizeScoringConfig(cfg))
	return holder
}

func NewScoringConfigHolder(log *zap.Logger) (*ScoringConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.scoring")

	v := viper.New()
	v.SetConfigName("scoring")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/movepoint/config")
	v.AddConfigPath("/etc/movepoint")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MOVEPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultScoringConfig()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}
	v.SetDefault("scoring.multipliers", defaults.Multipliers)
	v.SetDefault("scoring.defaultMultiplier", defaults.DefaultMultiplier)

	var cfg ScoringConfig
	if err := v.UnmarshalKey("scoring", &cfg); err != nil {
		return nil, err
	}
	if err := validateScoringConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ScoringConfigHolder{}
	holder.current.Store(normalizeScoringConfig(cfg))

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ScoringConfig
		if err := v.UnmarshalKey("scoring", &updated); err != nil {
			log.Warn("scoring config reload failed", zap.Error(err))
			return
		}
		if err := validateScoringConfig(updated); err != nil {
			log.Warn("invalid scoring config ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalizeScoringConfig(updated))
		log.Info("scoring config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ScoringConfigHolder) Get() ScoringConfig {
	if h == nil {
		return DefaultScoringConfig()
	}
	cfg, ok := h.current.Load().(ScoringConfig)
	if !ok {
		return DefaultScoringConfig()
	}
	return cfg
}

func normalizeScoringConfig(cfg ScoringConfig) ScoringConfig {
	out := ScoringConfig{
		Multipliers:       make(map[string]float64, len(cfg.Multipliers)),
		DefaultMultiplier: cfg.DefaultMultiplier,
	}
	for k, v := range cfg.Multipliers {
		out.Multipliers[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func validateScoringConfig(cfg ScoringConfig) error {
	if len(cfg.Multipliers) == 0 {
		return errors.New("scoring.multipliers cannot be empty")
	}
	if cfg.DefaultMultiplier <= 0 {
		return errors.New("scoring.defaultMultiplier must be positive")
	}
	for k, v := range cfg.Multipliers {
		if v <= 0 {
			return fmt.Errorf("scoring.multipliers.%s must be positive", k)
		}
	}
	return nil
}
