package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// LoadAppConfig loads and validates the application configuration from config.yml
func LoadAppConfig(paths ...string) (AppConfig, error) {
	if len(paths) == 0 {
		paths = []string{"config.yml", "./config/config.yml"}
	}
	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(p)
		if err == nil {
			break
		}
	}
	if err != nil {
		return AppConfig{}, err
	}
	return ParseAppConfig(data)
}

// ParseAppConfig parses raw YAML bytes, validates them, and applies defaults.
func ParseAppConfig(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.ApplyDefaults()
	v := validator.New()
	if err := v.Struct(cfg.Server); err != nil {
		return AppConfig{}, err
	}
	if err := v.Struct(cfg.Feed); err != nil {
		return AppConfig{}, err
	}
	if err := v.Struct(cfg.FetchCache); err != nil {
		return AppConfig{}, err
	}
	if err := v.Struct(cfg.Resilience.Breaker); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (cfg *AppConfig) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 16181
	}
	fc := &cfg.FetchCache
	if fc.MaxEntries == 0 {
		fc.MaxEntries = 500
	}
	if fc.MaxMemoryBytes == 0 {
		fc.MaxMemoryBytes = 100 << 20
	}
	if fc.MemoryPressureRatio == 0 {
		fc.MemoryPressureRatio = 0.8
	}
	if fc.PressureEvictFraction == 0 {
		fc.PressureEvictFraction = 0.25
	}
	if fc.EmergencyShrinkFraction == 0 {
		fc.EmergencyShrinkFraction = 0.5
	}
	if fc.SweepIntervalS == 0 {
		fc.SweepIntervalS = 300
	}
	if fc.DefaultMaxAgeS == 0 {
		fc.DefaultMaxAgeS = 300
	}
	if fc.DefaultTTLS == 0 {
		fc.DefaultTTLS = 60
	}
	rc := &cfg.ResultCache
	if rc.MaxEntries == 0 {
		rc.MaxEntries = 1000
	}
	if rc.MaxMemoryBytes == 0 {
		rc.MaxMemoryBytes = 50 << 20
	}
	d := &cfg.Resilience.Default
	if d.MaxRetries == 0 {
		d.MaxRetries = 2
	}
	if d.InitialDelayMS == 0 {
		d.InitialDelayMS = 1000
	}
	if d.MaxDelayMS == 0 {
		d.MaxDelayMS = 8000
	}
	if d.BackoffMultiplier == 0 {
		d.BackoffMultiplier = 2
	}
	if d.JitterFactor == 0 {
		d.JitterFactor = 0.1
	}
	if d.PerAttemptTimeoutMS == 0 {
		d.PerAttemptTimeoutMS = 10000
	}
	b := &cfg.Resilience.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = 2
	}
	if b.TimeoutMS == 0 {
		b.TimeoutMS = 30000
	}
	if b.WindowMS == 0 {
		b.WindowMS = 60000
	}
	f := &cfg.Filter
	if f.BusyThreshold == 0 {
		f.BusyThreshold = 5
	}
	if f.DistanceThresholdKM == 0 {
		f.DistanceThresholdKM = 1.0
	}
	if f.DecisionTTLS == 0 {
		f.DecisionTTLS = 30
	}
	if f.DistanceTTLS == 0 {
		f.DistanceTTLS = 300
	}
	if f.MaxDecisionEntries == 0 {
		f.MaxDecisionEntries = 200
	}
	if f.MaxDistanceEntries == 0 {
		f.MaxDistanceEntries = 2000
	}
	if cfg.Storage.MaxSnapshotLen == 0 {
		cfg.Storage.MaxSnapshotLen = 8 << 20
	}
	if cfg.Feed.ReadIntervalMS == 0 {
		cfg.Feed.ReadIntervalMS = 30000
	}
	if cfg.Feed.TimeoutMS == 0 {
		cfg.Feed.TimeoutMS = 10000
	}
}
