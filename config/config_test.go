package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Server.JWTSecret = "test-secret"
	return cfg
}

func TestDefaultsValidateWithSecret(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Should accept the default config once a JWT secret is set, got %v", err)
	}
}

func TestValidateRejectsMissingJWTSecret(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err == nil {
		t.Error("Should reject an enabled server without a JWT secret")
	}

	cfg.Server.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Should accept a disabled server without a secret, got %v", err)
	}
}

func TestValidateRequiresExactlyOneMain(t *testing.T) {
	cfg := validConfig()
	cfg.Profiles[0].Role = "support"
	if err := cfg.Validate(); err == nil {
		t.Error("Should reject a profile set with no main role")
	}

	cfg = validConfig()
	second := cfg.Profiles[0]
	second.ID = "SECOND"
	cfg.Profiles = append(cfg.Profiles, second)
	if err := cfg.Validate(); err == nil {
		t.Error("Should reject two profiles with the main role")
	}
}

func TestValidateRejectsBadCapitalFraction(t *testing.T) {
	for _, frac := range []float64{0, -0.1, 1.5} {
		cfg := validConfig()
		cfg.Profiles[0].CapitalFraction = frac
		if err := cfg.Validate(); err == nil {
			t.Errorf("Should reject capital fraction %v", frac)
		}
	}
}

func TestValidateGridLevels(t *testing.T) {
	cfg := validConfig()
	cfg.Grid.LevelOffsets = []float64{0.003, 0.005}
	cfg.Grid.LevelWeights = []float64{1.0}
	if err := cfg.Validate(); err == nil {
		t.Error("Should reject mismatched grid offsets and weights")
	}

	cfg = validConfig()
	cfg.Grid.LevelWeights = []float64{0.3, 0.3, 0.3}
	if err := cfg.Validate(); err == nil {
		t.Error("Should reject grid weights that do not sum to 1")
	}
}

func TestValidatePartialExitLevels(t *testing.T) {
	cfg := validConfig()
	cfg.Exits.PartialLevelThresholds = []float64{0.006}
	cfg.Exits.PartialLevelFractions = []float64{0.25, 0.33}
	if err := cfg.Validate(); err == nil {
		t.Error("Should reject mismatched partial exit thresholds and fractions")
	}
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	file := map[string]interface{}{
		"trading": map[string]interface{}{"capital": 25000},
		"server":  map[string]interface{}{"jwt_secret": "from-file"},
		"logging": map[string]interface{}{"level": "debug"},
	}
	data, _ := json.Marshal(file)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TRADING_CAPITAL", "50000")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Should load, got %v", err)
	}
	if cfg.Trading.Capital != 50000 {
		t.Errorf("Should let env override the file capital, got %v", cfg.Trading.Capital)
	}
	if cfg.Server.JWTSecret != "from-file" {
		t.Errorf("Should take the JWT secret from the file, got %q", cfg.Server.JWTSecret)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Should keep the file log level when the env is empty, got %q", cfg.Logging.Level)
	}
	if cfg.CryptoLoop.QuoteStalenessMs != 5000 {
		t.Errorf("Should keep untouched defaults, got %d", cfg.CryptoLoop.QuoteStalenessMs)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Error("Should fail on a malformed config file")
	}
}

func TestLoadFailsValidationWithoutSecret(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("SERVER_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Error("Should fail validation when the server has no JWT secret")
	}
}

func TestDatabaseEnabledByURL(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("SERVER_JWT_SECRET", "s")
	t.Setenv("DATABASE_URL", "postgres://bot:pw@localhost:5432/trades")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Should load, got %v", err)
	}
	if !cfg.Database.Enabled {
		t.Error("Should enable the database when a URL is provided")
	}
}

func TestProfileDefaults(t *testing.T) {
	cfg := Defaults()
	if len(cfg.Profiles) != 1 || cfg.Profiles[0].Role != "main" {
		t.Fatalf("Should default to a single main profile, got %+v", cfg.Profiles)
	}
	if cfg.Profiles[0].CycleInterval != 10*time.Second {
		t.Errorf("Should default the cycle interval to 10s, got %v", cfg.Profiles[0].CycleInterval)
	}
	if cfg.CryptoLoop.MaxPositions != 10 {
		t.Errorf("Should cap crypto positions at 10, got %d", cfg.CryptoLoop.MaxPositions)
	}
}
