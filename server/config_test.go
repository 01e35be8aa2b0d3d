package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}
	if got, want := cfg.Addr, ":9000"; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
	if got, want := cfg.RefWindow, 1000; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.toml")
	if err := os.WriteFile(path, []byte("addr = \":7777\"\nref_window = 50\n"), 0644); err != nil {
		t.Fatalf("error: %v\n", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}
	if got, want := cfg.Addr, ":7777"; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
	if got, want := cfg.RefWindow, 50; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig("/does/not/exist.toml"); err == nil {
		t.Errorf("expected error for missing config file\n")
	}
}
