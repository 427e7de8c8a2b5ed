package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("OWNER_ID", "42")
	t.Setenv("ALLOWED_USERS", "5, 6,junk")

	cfg, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BotToken != "123:abc" || cfg.OwnerID != 42 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[0] != 5 || cfg.AllowedUsers[1] != 6 {
		t.Fatalf("unexpected allowed users: %v", cfg.AllowedUsers)
	}
	if cfg.AutosaveInterval != 60*time.Second {
		t.Fatalf("expected 60s autosave, got %s", cfg.AutosaveInterval)
	}
	if cfg.SettleWindow != 20*time.Second {
		t.Fatalf("expected 20s settle window, got %s", cfg.SettleWindow)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Fatalf("expected Asia/Kolkata, got %s", cfg.Location())
	}
}

func TestLoad_FileAndPrefixedEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.json")
	content := `{"bot_token": "file-token", "owner_id": 7, "settle_window": "3s", "log": {"level": "debug"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APKBOT_BOT_TOKEN", "env-token")

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BotToken != "env-token" {
		t.Fatalf("expected env to override file, got %q", cfg.BotToken)
	}
	if cfg.OwnerID != 7 {
		t.Fatalf("expected owner 7, got %d", cfg.OwnerID)
	}
	if cfg.SettleWindow != 3*time.Second {
		t.Fatalf("expected 3s, got %s", cfg.SettleWindow)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.Log.Level)
	}
}

func TestLoad_MissingTokenOrOwnerIsFatal(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("OWNER_ID", "5")
	if _, err := NewLoader().Load(""); err == nil {
		t.Fatal("expected error for missing token")
	}

	t.Setenv("BOT_TOKEN", "tok")
	t.Setenv("OWNER_ID", "")
	if _, err := NewLoader().Load(""); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("APKBOT_TEST_DOTENV=yes\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("APKBOT_TEST_DOTENV", "")
	os.Unsetenv("APKBOT_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("APKBOT_TEST_DOTENV"); got != "yes" {
		t.Fatalf("expected yes, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestParseIDList(t *testing.T) {
	got := ParseIDList(" 1, x,22 ,,333")
	want := []int64{1, 22, 333}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
