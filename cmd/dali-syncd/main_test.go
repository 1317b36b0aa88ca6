package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func resetConfigState(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(func() {
		cfgFile = ""
		viper.Reset()
	})
}

func TestInitConfigToleratesAbsentImplicitFile(t *testing.T) {
	resetConfigState(t)
	cfgFile = ""

	if err := initConfig(); err != nil {
		t.Fatalf("an absent implicit config file must not fail: %v", err)
	}
}

func TestInitConfigFailsForMissingExplicitFile(t *testing.T) {
	resetConfigState(t)
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")

	if err := initConfig(); err == nil {
		t.Fatalf("expected a missing explicit config file to fail")
	}
}

func TestInitConfigFailsForMalformedFile(t *testing.T) {
	resetConfigState(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{ unclosed\n"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	cfgFile = path

	if err := initConfig(); err == nil {
		t.Fatalf("expected a malformed config file to fail")
	}
}

func TestInitConfigReadsExplicitFile(t *testing.T) {
	resetConfigState(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api:\n  base_url: https://api.example.com\n"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	cfgFile = path

	if err := initConfig(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := viper.GetString("api.base_url"); got != "https://api.example.com" {
		t.Fatalf("expected config value to load, got %q", got)
	}
}
