package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[int64]string
	fail map[int64]bool
}

func (r *recordingNotifier) Notify(_ context.Context, id int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[id] {
		return errors.New("blocked")
	}
	r.sent[id] = text
	return nil
}

func TestSchedulesFireAtExpectedTimes(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	from := time.Date(2025, 5, 30, 9, 30, 0, 0, loc) // Friday

	tests := []struct {
		w    session.Window
		want time.Time
	}{
		{session.SixHourly, time.Date(2025, 5, 30, 14, 0, 0, 0, loc)},
		{session.Daily, time.Date(2025, 5, 30, 20, 0, 0, 0, loc)},
		{session.Weekly, time.Date(2025, 6, 1, 10, 0, 0, 0, loc)},
		{session.Monthly, time.Date(2025, 5, 30, 22, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		sched, err := cron.ParseStandard(schedules[tt.w])
		if err != nil {
			t.Fatalf("%s: %v", tt.w, err)
		}
		if got := sched.Next(from); !got.Equal(tt.want) {
			t.Errorf("%s next = %v, want %v", tt.w, got, tt.want)
		}
	}
}

func TestLastDayOfMonth(t *testing.T) {
	if LastDayOfMonth(time.Date(2025, 5, 30, 22, 0, 0, 0, time.UTC)) {
		t.Fatal("May 30 is not the last day")
	}
	if !LastDayOfMonth(time.Date(2025, 5, 31, 22, 0, 0, 0, time.UTC)) {
		t.Fatal("May 31 is the last day")
	}
	if !LastDayOfMonth(time.Date(2024, 2, 29, 22, 0, 0, 0, time.UTC)) {
		t.Fatal("Feb 29 2024 is the last day")
	}
}

func TestRunWindow_ReportsAndResets(t *testing.T) {
	dir := t.TempDir()
	log := logger.NewNop()
	cfg, err := store.OpenConfigStore(log, filepath.Join(dir, "config.json"), 1, "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	state, err := store.OpenSessionStore(log, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for _, id := range []int64{10, 11} {
		if _, err := cfg.Allow(id); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}
	if err := cfg.SetChannel(10, "@ten"); err != nil {
		t.Fatalf("channel: %v", err)
	}
	now := time.Now()
	state.Update(10, func(s *session.Session) {
		s.Stats.Record(3, session.MethodTwo, caption.StyleMono, now)
	})

	n := &recordingNotifier{sent: map[int64]string{}, fail: map[int64]bool{11: true}}
	s := New(log, cfg, state, n, time.UTC)
	s.now = func() time.Time { return now }
	s.RunWindow(context.Background(), session.Daily)

	report := n.sent[10]
	for _, want := range []string{"DAILY REPORT", "@ten", "Method 2", "Mono", "Active", "→ 3 "} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
	got := state.Get(10).Stats
	if got.Window(session.Daily) != (session.Counter{}) {
		t.Fatalf("daily window not reset: %+v", got.Window(session.Daily))
	}
	if got.Window(session.Weekly).APKs != 3 || got.APKs != 3 {
		t.Fatalf("other counters must survive: %+v", got)
	}
}
