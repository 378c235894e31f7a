package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.Environment != "test" {
		t.Errorf("expected environment from file, got %q", cfg.App.Environment)
	}
	if cfg.Exchange.Name != "binanceusdm" {
		t.Errorf("expected default exchange, got %q", cfg.Exchange.Name)
	}
	if cfg.Cycle.Interval != 30*time.Second {
		t.Errorf("expected default cycle interval 30s, got %s", cfg.Cycle.Interval)
	}
	if cfg.Risk.DailyLossCap != 0.03 || cfg.Risk.WeeklyLossCap != 0.08 {
		t.Errorf("unexpected default loss caps: daily=%.3f weekly=%.3f",
			cfg.Risk.DailyLossCap, cfg.Risk.WeeklyLossCap)
	}
	if cfg.Risk.ConfidenceFullRisk != 0.80 || cfg.Risk.ConfidenceHalfRisk != 0.60 {
		t.Errorf("unexpected default confidence tiers: full=%.2f half=%.2f",
			cfg.Risk.ConfidenceFullRisk, cfg.Risk.ConfidenceHalfRisk)
	}
	if len(cfg.Risk.CorrelationGroups["majors"]) != 2 {
		t.Errorf("expected default majors group with 2 members, got %v", cfg.Risk.CorrelationGroups)
	}
	if cfg.Execution.PollTimeout != 20*time.Second {
		t.Errorf("expected default poll timeout 20s, got %s", cfg.Execution.PollTimeout)
	}
	if !cfg.Strategy.Momentum.Enabled || cfg.Strategy.Momentum.PositionFraction != 0.08 {
		t.Errorf("unexpected default momentum params: %+v", cfg.Strategy.Momentum)
	}
	if cfg.Sentiment.Enabled {
		t.Errorf("sentiment must default to disabled")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
market_data:
  instruments: ["SOL/USDT:USDT"]
  refresh_interval: 2s
  max_age: 6s
risk:
  daily_loss_cap: 0.02
cycle:
  interval: 10s
  timeout: 8s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MarketData.Instruments) != 1 || cfg.MarketData.Instruments[0] != "SOL/USDT:USDT" {
		t.Errorf("unexpected instruments: %v", cfg.MarketData.Instruments)
	}
	if cfg.MarketData.MaxAge != 6*time.Second {
		t.Errorf("expected max_age 6s, got %s", cfg.MarketData.MaxAge)
	}
	if cfg.Risk.DailyLossCap != 0.02 {
		t.Errorf("expected daily loss cap 0.02, got %.3f", cfg.Risk.DailyLossCap)
	}
	if cfg.Cycle.Timeout != 8*time.Second {
		t.Errorf("expected cycle timeout 8s, got %s", cfg.Cycle.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfigFile(t, "risk:\n  daily_loss_cap: 2\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for out-of-range loss cap")
	}
}

func TestLoadSentimentEnabledRequiresKey(t *testing.T) {
	path := writeConfigFile(t, "sentiment:\n  enabled: true\n")

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error when sentiment enabled without api key")
	}
	if !strings.Contains(err.Error(), "sentiment.api_key") {
		t.Errorf("expected sentiment.api_key in error, got: %v", err)
	}
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	path := writeConfigFile(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.Risk.DailyLossCap = 0
	cfg.Cycle.Interval = 0
	cfg.Logging.Level = ""

	verr := cfg.Validate()
	if verr == nil {
		t.Fatalf("expected validation failure")
	}
	if got := len(multierr.Errors(errUnwrap(verr))); got < 3 {
		t.Errorf("expected at least 3 collected errors, got %d: %v", got, verr)
	}
}

func TestValidateWeeklyCapBelowDaily(t *testing.T) {
	path := writeConfigFile(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.Risk.DailyLossCap = 0.05
	cfg.Risk.WeeklyLossCap = 0.03

	verr := cfg.Validate()
	if verr == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(verr.Error(), "weekly_loss_cap") {
		t.Errorf("expected weekly_loss_cap in error, got: %v", verr)
	}
}

// errUnwrap 剥掉 Validate 包的外层前缀，取出 multierr 聚合。
func errUnwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if inner := u.Unwrap(); inner != nil {
			return inner
		}
	}
	return err
}
