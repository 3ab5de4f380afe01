package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		APIURL:       "https://confide.example",
		WSURL:        "wss://confide.example",
		Token:        "tok-123",
		SelfUserID:   42,
		SelfUsername: "ana",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.APIURL != "https://confide.example" {
		t.Errorf("APIURL = %q", loaded.APIURL)
	}
	if loaded.SelfUserID != 42 || loaded.SelfUsername != "ana" {
		t.Errorf("self user = %d/%q", loaded.SelfUserID, loaded.SelfUsername)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := Save(path, &Config{Token: "t"}); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Listen != "127.0.0.1:8642" {
		t.Errorf("Listen default = %q", loaded.Listen)
	}
	if len(loaded.AllowedOrigins) == 0 {
		t.Error("AllowedOrigins default missing")
	}
}

func TestEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := Save(path, &Config{APIURL: "https://file.example", Token: "file-token"}); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIDE_API_URL", "https://env.example")
	t.Setenv("CONFIDE_TOKEN", "env-token")
	t.Setenv("CONFIDE_SELF_USER_ID", "7")

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.APIURL != "https://env.example" {
		t.Errorf("APIURL = %q, want env override", loaded.APIURL)
	}
	if loaded.Token != "env-token" {
		t.Errorf("Token = %q, want env override", loaded.Token)
	}
	if loaded.SelfUserID != 7 {
		t.Errorf("SelfUserID = %d, want 7", loaded.SelfUserID)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{Token: "t"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
