package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates configuration problems that must block startup
// (Fatals) from ones that were auto-corrected or are merely suspicious
// (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just want
// a flat list to log.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config for invalid values. Structural problems
// that make the daemon unsafe to start (a listener address that can't be
// parsed, roots that aren't absolute paths) are fatal. Out-of-range
// numeric settings are clamped to a safe value and reported as warnings
// rather than left to panic deep inside the display pool or rate limiter.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ListenAddr == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("listen_addr must not be empty"))
	} else if !strings.Contains(c.ListenAddr, ":") {
		r.Fatals = append(r.Fatals, fmt.Errorf("listen_addr %q must be host:port", c.ListenAddr))
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("tls_cert_file and tls_key_file must both be set or both be empty"))
	}

	if c.AppsRoot == "" || !filepath.IsAbs(c.AppsRoot) {
		r.Fatals = append(r.Fatals, fmt.Errorf("apps_root %q must be an absolute path", c.AppsRoot))
	}
	if c.OwnerRootBase == "" || !filepath.IsAbs(c.OwnerRootBase) {
		r.Fatals = append(r.Fatals, fmt.Errorf("owner_root_base %q must be an absolute path", c.OwnerRootBase))
	}

	if c.DisplayIDMin < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("display_id_min %d is below minimum 1, clamping", c.DisplayIDMin))
		c.DisplayIDMin = 1
	}
	if c.DisplayIDMax <= c.DisplayIDMin {
		r.Fatals = append(r.Fatals, fmt.Errorf("display_id_max %d must be greater than display_id_min %d", c.DisplayIDMax, c.DisplayIDMin))
	}

	if c.DisplayWidth < 640 || c.DisplayWidth > 7680 {
		r.Warnings = append(r.Warnings, fmt.Errorf("display_width %d out of sane range, clamping to 1920", c.DisplayWidth))
		c.DisplayWidth = 1920
	}
	if c.DisplayHeight < 480 || c.DisplayHeight > 4320 {
		r.Warnings = append(r.Warnings, fmt.Errorf("display_height %d out of sane range, clamping to 1080", c.DisplayHeight))
		c.DisplayHeight = 1080
	}

	if c.IdleTimeoutSeconds < 30 {
		r.Warnings = append(r.Warnings, fmt.Errorf("idle_timeout_seconds %d is below minimum 30, clamping", c.IdleTimeoutSeconds))
		c.IdleTimeoutSeconds = 30
	}
	if c.ExpiryTimeoutSeconds < 60 {
		r.Warnings = append(r.Warnings, fmt.Errorf("expiry_timeout_seconds %d is below minimum 60, clamping", c.ExpiryTimeoutSeconds))
		c.ExpiryTimeoutSeconds = 60
	}
	if c.ExpiryWarningSeconds <= 0 || c.ExpiryWarningSeconds >= c.ExpiryTimeoutSeconds {
		r.Warnings = append(r.Warnings, fmt.Errorf("expiry_warning_seconds %d must be positive and less than expiry_timeout_seconds, clamping to 300", c.ExpiryWarningSeconds))
		c.ExpiryWarningSeconds = 300
	}

	if c.InputEventsPerSecond < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("input_events_per_second %d is below minimum 1, clamping", c.InputEventsPerSecond))
		c.InputEventsPerSecond = 1
	} else if c.InputEventsPerSecond > 1000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("input_events_per_second %d exceeds maximum 1000, clamping", c.InputEventsPerSecond))
		c.InputEventsPerSecond = 1000
	}
	if c.InputBurstSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("input_burst_size %d is below minimum 1, clamping", c.InputBurstSize))
		c.InputBurstSize = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.MaxConcurrentSessions < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_concurrent_sessions %d is below minimum 1, clamping", c.MaxConcurrentSessions))
		c.MaxConcurrentSessions = 1
	} else if c.MaxConcurrentSessions > 2000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_concurrent_sessions %d exceeds maximum 2000, clamping", c.MaxConcurrentSessions))
		c.MaxConcurrentSessions = 2000
	}
	if c.TaskQueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("task_queue_size %d is below minimum 1, clamping", c.TaskQueueSize))
		c.TaskQueueSize = 1
	} else if c.TaskQueueSize > 100000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("task_queue_size %d exceeds maximum 100000, clamping", c.TaskQueueSize))
		c.TaskQueueSize = 100000
	}

	if c.CgroupRoot == "" || !filepath.IsAbs(c.CgroupRoot) {
		r.Warnings = append(r.Warnings, fmt.Errorf("cgroup_root %q should be an absolute path", c.CgroupRoot))
	}
	if c.SeccompProfile == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("seccomp_profile is empty, falling back to \"default\""))
		c.SeccompProfile = "default"
	}

	if len(c.ICEServers) == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("ice_servers is empty, WebRTC connectivity across NATs may fail"))
	}

	return r
}
