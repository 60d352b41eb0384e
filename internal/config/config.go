package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/sandboxrun/sandboxrun/internal/logging"
)

var log = logging.L("config")

// Config holds the daemon's runtime configuration, loaded via viper from a
// YAML file and environment variables (SANDBOXRUN_ prefix), the latter
// taking precedence. No CLI flag is bound to a field; the daemon's
// --config flag only names the file.
type Config struct {
	// Signaling listener
	ListenAddr    string `mapstructure:"listen_addr"`
	TLSCertFile   string `mapstructure:"tls_cert_file"`
	TLSKeyFile    string `mapstructure:"tls_key_file"`

	// Application registry and sandbox root layout
	AppsRoot       string `mapstructure:"apps_root"`
	OwnerRootBase  string `mapstructure:"owner_root_base"`

	// Display pool
	DisplayIDMin int    `mapstructure:"display_id_min"`
	DisplayIDMax int    `mapstructure:"display_id_max"`
	DisplayWidth int    `mapstructure:"display_width"`
	DisplayHeight int   `mapstructure:"display_height"`
	XvfbPath      string `mapstructure:"xvfb_path"`

	// Sandbox isolation
	CgroupRoot    string `mapstructure:"cgroup_root"`
	SeccompProfile string `mapstructure:"seccomp_profile"`

	// Session lifecycle
	IdleTimeoutSeconds      int `mapstructure:"idle_timeout_seconds"`
	ExpiryTimeoutSeconds    int `mapstructure:"expiry_timeout_seconds"`
	ExpiryWarningSeconds    int `mapstructure:"expiry_warning_seconds"`

	// Transport
	ICEServers []string `mapstructure:"ice_servers"`

	// Input rate limiting
	InputEventsPerSecond int `mapstructure:"input_events_per_second"`
	InputBurstSize       int `mapstructure:"input_burst_size"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Concurrency
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
	TaskQueueSize         int `mapstructure:"task_queue_size"`

	// Audit configuration
	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:8443",

		AppsRoot:      "/var/lib/sandboxrun/apps",
		OwnerRootBase: "/var/lib/sandboxrun/roots",

		DisplayIDMin:  100,
		DisplayIDMax:  199,
		DisplayWidth:  1920,
		DisplayHeight: 1080,
		XvfbPath:      "/usr/bin/Xvfb",

		CgroupRoot:     "/sys/fs/cgroup/sandboxrun",
		SeccompProfile: "default",

		IdleTimeoutSeconds:   1800,
		ExpiryTimeoutSeconds: 3600,
		ExpiryWarningSeconds: 300,

		ICEServers: []string{"stun:stun.l.google.com:19302"},

		InputEventsPerSecond: 120,
		InputBurstSize:       60,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		MaxConcurrentSessions: 64,
		TaskQueueSize:         256,

		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sandboxrun")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SANDBOXRUN")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Validate config: fatals block startup, warnings are logged and continue.
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("listen_addr", cfg.ListenAddr)
	viper.Set("tls_cert_file", cfg.TLSCertFile)
	viper.Set("tls_key_file", cfg.TLSKeyFile)
	viper.Set("apps_root", cfg.AppsRoot)
	viper.Set("owner_root_base", cfg.OwnerRootBase)
	viper.Set("display_id_min", cfg.DisplayIDMin)
	viper.Set("display_id_max", cfg.DisplayIDMax)
	viper.Set("cgroup_root", cfg.CgroupRoot)
	viper.Set("seccomp_profile", cfg.SeccompProfile)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "sandboxrun.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Config may carry TLS key paths; restrict to owner-only access.
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the data directory for the daemon. Namespace/cgroup/
// seccomp isolation is Linux-only, so unlike the layered per-OS scheme this
// was adapted from, there's a single path.
func GetDataDir() string {
	return "/var/lib/sandboxrun"
}

func configDir() string {
	return "/etc/sandboxrun"
}
