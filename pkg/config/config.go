// Package config loads the control plane's process configuration the way
// the teacher's global skaffold config loads user-facing options: a typed
// struct bound through viper, with defaults set before the file/env layers
// are applied.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md §4.1–§4.6.
type Config struct {
	// HTTP/metrics listen addresses.
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// CA lifecycle (§4.1, §4.5).
	CAValidity      time.Duration `mapstructure:"ca_validity"`
	CARotateAt      time.Duration `mapstructure:"ca_rotate_at"`
	CAOverlapWindow time.Duration `mapstructure:"ca_overlap_window"`

	// Client certificate lifecycle (§4.1, §4.5).
	CertValidity    time.Duration `mapstructure:"cert_validity"`
	CertRenewBefore time.Duration `mapstructure:"cert_renew_before"`

	// Rotation scheduler wake interval (§4.5).
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	// Bound on concurrent per-client work during a sweep (§5, AMBIENT/DOMAIN STACK).
	SchedulerConcurrency int `mapstructure:"scheduler_concurrency"`

	// Distribution endpoint (§4.6).
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`

	// Lighthouse / overlay defaults referenced by the config assembler (§4.4).
	LighthousePort     int  `mapstructure:"lighthouse_port"`
	LighthouseInterval int  `mapstructure:"lighthouse_interval"`
	PunchyPunch        bool `mapstructure:"punchy_punch"`
	PunchyRespond      bool `mapstructure:"punchy_respond"`

	// Leak-scanner webhook (§6.2).
	SecretScanningHMACKey    string `mapstructure:"secret_scanning_hmac_key"`
	SecretScanningTagPattern string `mapstructure:"secret_scanning_tag_pattern"`
}

// Defaults mirror the numbers named explicitly in spec.md.
func Defaults() Config {
	return Config{
		ListenAddr:               ":8443",
		MetricsAddr:              ":9090",
		CAValidity:               18 * 30 * 24 * time.Hour, // 18mo
		CARotateAt:               12 * 30 * 24 * time.Hour, // 12mo
		CAOverlapWindow:          3 * 30 * 24 * time.Hour,  // 3mo
		CertValidity:             6 * 30 * 24 * time.Hour,  // 6mo
		CertRenewBefore:          3 * 30 * 24 * time.Hour,  // 3mo
		SchedulerInterval:        time.Hour,
		SchedulerConcurrency:     8,
		RequestTimeout:           30 * time.Second,
		RateLimitPerSec:          2,
		RateLimitBurst:           5,
		LighthousePort:           4242,
		LighthouseInterval:       60,
		PunchyPunch:              true,
		PunchyRespond:            true,
		SecretScanningTagPattern: "mesh_client_token_",
	}
}

// Load reads configuration from path (a YAML file, optional — a missing
// file is not an error, matching viper's SafeWriteConfig-adjacent pattern
// of "defaults always apply") layered with MESH_-prefixed environment
// variables, the same layering the teacher applies to its own global
// config (file < env < flags).
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("MESH")
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				return cfg, errors.Wrapf(err, "reading config file %s", path)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshaling config")
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("ca_validity", cfg.CAValidity)
	v.SetDefault("ca_rotate_at", cfg.CARotateAt)
	v.SetDefault("ca_overlap_window", cfg.CAOverlapWindow)
	v.SetDefault("cert_validity", cfg.CertValidity)
	v.SetDefault("cert_renew_before", cfg.CertRenewBefore)
	v.SetDefault("scheduler_interval", cfg.SchedulerInterval)
	v.SetDefault("scheduler_concurrency", cfg.SchedulerConcurrency)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("rate_limit_per_sec", cfg.RateLimitPerSec)
	v.SetDefault("rate_limit_burst", cfg.RateLimitBurst)
	v.SetDefault("lighthouse_port", cfg.LighthousePort)
	v.SetDefault("lighthouse_interval", cfg.LighthouseInterval)
	v.SetDefault("punchy_punch", cfg.PunchyPunch)
	v.SetDefault("punchy_respond", cfg.PunchyRespond)
	v.SetDefault("secret_scanning_hmac_key", cfg.SecretScanningHMACKey)
	v.SetDefault("secret_scanning_tag_pattern", cfg.SecretScanningTagPattern)
}
