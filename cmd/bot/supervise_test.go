package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Armin-kho/apk-relay-bot/internal/config"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
)

func TestSupervisor_RestartsAndThrottlesNotices(t *testing.T) {
	var notices []string
	s := newSupervisor(logger.NewNop(), time.Millisecond, time.Hour, func(text string) {
		notices = append(notices, text)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	s.Run(ctx, func(ctx context.Context) error {
		calls++
		switch calls {
		case 1:
			return errors.New("network down")
		case 2:
			panic("boom")
		default:
			cancel()
			return nil
		}
	})

	if calls != 3 {
		t.Fatalf("expected 3 runs, got %d", calls)
	}
	if len(notices) != 1 {
		t.Fatalf("expected one notice within the cooldown, got %d", len(notices))
	}
}

func TestSupervisor_NotifiesAgainAfterCooldown(t *testing.T) {
	var n int
	s := newSupervisor(logger.NewNop(), time.Millisecond, time.Hour, func(string) { n++ })
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.report(errors.New("a"))
	now = now.Add(59 * time.Minute)
	s.report(errors.New("b"))
	now = now.Add(2 * time.Minute)
	s.report(errors.New("c"))

	if n != 2 {
		t.Fatalf("expected 2 notices, got %d", n)
	}
}

func TestLoggerConfig_DebugOverrides(t *testing.T) {
	cfg := config.Config{DataDir: t.TempDir(), Debug: true}
	cfg.Log.Level = "warn"
	lc := loggerConfig(cfg)
	if lc.Level != logger.LevelDebug || !lc.Development {
		t.Fatalf("debug must force debug level, got %q dev=%v", lc.Level, lc.Development)
	}

	cfg.Debug = false
	cfg.Log.File = "/tmp/apkbot.log"
	lc = loggerConfig(cfg)
	if lc.Level != logger.LevelWarn || lc.OutputPath != "/tmp/apkbot.log" {
		t.Fatalf("unexpected logger config: %+v", lc)
	}
}
