package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredEmptyListenAddrIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("empty listen_addr should be fatal")
	}
}

func TestValidateTieredMismatchedTLSPairIsFatal(t *testing.T) {
	cfg := Default()
	cfg.TLSCertFile = "/etc/sandboxrun/tls.crt"
	cfg.TLSKeyFile = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("cert without key should be fatal")
	}
}

func TestValidateTieredRelativeAppsRootIsFatal(t *testing.T) {
	cfg := Default()
	cfg.AppsRoot = "apps"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("relative apps_root should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "apps_root") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected apps_root validation error in fatals")
	}
}

func TestValidateTieredDisplayRangeInvertedIsFatal(t *testing.T) {
	cfg := Default()
	cfg.DisplayIDMin = 200
	cfg.DisplayIDMax = 100
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("display_id_max <= display_id_min should be fatal")
	}
}

func TestValidateTieredIdleTimeoutClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.IdleTimeoutSeconds = 1 // below minimum 30
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped idle timeout should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped idle timeout")
	}
	if cfg.IdleTimeoutSeconds != 30 {
		t.Fatalf("IdleTimeoutSeconds = %d, want 30 (clamped)", cfg.IdleTimeoutSeconds)
	}
}

func TestValidateTieredExpiryWarningClamping(t *testing.T) {
	cfg := Default()
	cfg.ExpiryWarningSeconds = cfg.ExpiryTimeoutSeconds + 1
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped expiry warning should be a warning, not fatal: %v", result.Fatals)
	}
	if cfg.ExpiryWarningSeconds != 300 {
		t.Fatalf("ExpiryWarningSeconds = %d, want 300 (clamped)", cfg.ExpiryWarningSeconds)
	}
}

func TestValidateTieredInputRateClamping(t *testing.T) {
	cfg := Default()
	cfg.InputEventsPerSecond = 0
	cfg.InputBurstSize = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped input rate should be warning: %v", result.Fatals)
	}
	if cfg.InputEventsPerSecond != 1 {
		t.Fatalf("InputEventsPerSecond = %d, want 1", cfg.InputEventsPerSecond)
	}
	if cfg.InputBurstSize != 1 {
		t.Fatalf("InputBurstSize = %d, want 1", cfg.InputBurstSize)
	}
}

func TestValidateTieredConcurrencyClamping(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentSessions = 0
	cfg.TaskQueueSize = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped concurrency should be warning: %v", result.Fatals)
	}
	if cfg.MaxConcurrentSessions != 1 {
		t.Fatalf("MaxConcurrentSessions = %d, want 1", cfg.MaxConcurrentSessions)
	}
	if cfg.TaskQueueSize != 1 {
		t.Fatalf("TaskQueueSize = %d, want 1", cfg.TaskQueueSize)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestValidateTieredEmptyICEServersIsWarning(t *testing.T) {
	cfg := Default()
	cfg.ICEServers = nil
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("empty ice_servers should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for empty ice_servers")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.AppsRoot = "relative" // fatal
	cfg.LogLevel = "bogus"    // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoFatals(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
}
