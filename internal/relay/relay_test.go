package relay

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/db"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
	"github.com/Armin-kho/apk-relay-bot/internal/tasks"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram/telegramtest"
)

const (
	ownerID  = int64(100)
	sourceID = int64(-1001111)
)

type fixture struct {
	p     *Pipeline
	fake  *telegramtest.Fake
	cfg   *store.ConfigStore
	state *store.SessionStore
	hist  *db.DB
	group *tasks.Group
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewNop()
	cfg, err := store.OpenConfigStore(log, filepath.Join(dir, "config.json"), ownerID, "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	state, err := store.OpenSessionStore(log, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	hist, err := db.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	group := tasks.NewGroup(log)
	t.Cleanup(group.Stop)
	fake := telegramtest.New()
	p := New(log, fake, cfg, state, hist, group, Options{
		Settle:        40 * time.Millisecond,
		Auto4Window:   40 * time.Millisecond,
		Auto4KeyDelay: time.Millisecond,
	})
	return &fixture{p: p, fake: fake, cfg: cfg, state: state, hist: hist, group: group}
}

func (f *fixture) setup(t *testing.T, n int, fn func(st *store.RelaySetup)) {
	t.Helper()
	if err := f.cfg.UpdateSetup(n, fn); err != nil {
		t.Fatalf("setup%d: %v", n, err)
	}
}

func channelPost(id int, name string, size int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		Chat:      &tgbotapi.Chat{ID: sourceID, Type: "channel", UserName: "srcchan"},
		Document:  &tgbotapi.Document{FileID: "file-" + name, FileName: name, FileSize: size},
		Caption:   text,
	}
}

func containsText(texts []string, sub string) bool {
	for _, s := range texts {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestSizeAllowed(t *testing.T) {
	tests := []struct {
		setup int
		size  int64
		want  bool
	}{
		{1, 50 * mb, true},
		{1, 51 * mb, false},
		{1, 1 * mb, true},
		{1, mb / 2, false},
		{2, 79 * mb, false},
		{2, 80 * mb, true},
		{2, 2048 * mb, true},
		{3, 1, true},
		{3, 5000 * mb, true},
	}
	for _, tt := range tests {
		if got := SizeAllowed(tt.setup, tt.size); got != tt.want {
			t.Errorf("SizeAllowed(%d, %d) = %v, want %v", tt.setup, tt.size, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	if got := ProgressBar(5, 20); got != "[▰▰▰▰▰▱▱▱▱▱▱▱▱▱▱▱▱▱▱▱] (5/20)" {
		t.Fatalf("unexpected bar %q", got)
	}
	if got := ProgressBar(30, 4); got != "[▰▰▰▰] (4/4)" {
		t.Fatalf("bar must clamp, got %q", got)
	}
}

func TestHandle_PublishesAndCounts(t *testing.T) {
	f := newFixture(t)
	f.setup(t, 1, func(st *store.RelaySetup) {
		st.SourceChannel = "@SrcChan"
		st.DestChannel = "@dest"
		st.DestCaption = "Fresh build"
		st.Enabled = true
	})

	if !f.p.Handle(channelPost(7, "app.apk", 10*mb, "Mod menu\nKey - ABC123")) {
		t.Fatal("post should match setup 1")
	}
	f.group.Wait()

	docs := f.fake.Documents()
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].ChannelUsername != "@dest" || !docs[0].DisableNotification {
		t.Fatalf("unexpected target %+v", docs[0].BaseChat)
	}
	if want := "Fresh build\nKey - <code>ABC123</code>"; docs[0].Caption != want {
		t.Fatalf("caption = %q, want %q", docs[0].Caption, want)
	}
	if st, _ := f.cfg.Setup(1); st.CompletedCount != 1 {
		t.Fatalf("completed_count = %d", st.CompletedCount)
	}
	if !containsText(f.fake.Texts(), "Auto 1 Completed") {
		t.Fatal("owner summary missing")
	}
}

func TestHandle_SettleAndDelete(t *testing.T) {
	f := newFixture(t)
	f.setup(t, 3, func(st *store.RelaySetup) {
		st.SourceChannel = "-1001111"
		st.DestChannel = "@dest"
		st.DestCaption = "Key -"
		st.Enabled = true
	})

	f.p.Handle(channelPost(9, "app.apk", 3*mb, "Key - GONE1"))
	// Deleted a quarter into the settle window.
	time.AfterFunc(10*time.Millisecond, func() { f.fake.Delete(sourceID, 9) })
	f.group.Wait()

	if n := len(f.fake.Documents()); n != 0 {
		t.Fatalf("nothing should be published, got %d", n)
	}
	if st, _ := f.cfg.Setup(3); st.CompletedCount != 0 {
		t.Fatalf("completed_count must stay 0, got %d", st.CompletedCount)
	}
	if !containsText(f.fake.Texts(), "Message Deleted during wait") {
		t.Fatalf("declined notice missing: %q", f.fake.Texts())
	}
	runs, err := f.hist.RecentRelays(t.Context(), 3, 5)
	if err != nil || len(runs) != 1 || runs[0].Outcome != db.OutcomeDeleted {
		t.Fatalf("history: %+v %v", runs, err)
	}
}

func TestHandle_Gates(t *testing.T) {
	f := newFixture(t)
	f.setup(t, 1, func(st *store.RelaySetup) {
		st.SourceChannel = "@srcchan"
		st.DestChannel = "@dest"
		st.Enabled = true
	})

	f.p.Handle(channelPost(1, "big.apk", 51*mb, "Key - K1234"))
	f.group.Wait()
	if len(f.fake.Documents()) != 0 || !containsText(f.fake.Texts(), "APK Size not matched for Auto 1") {
		t.Fatal("51 MB must be rejected by setup 1")
	}

	f.p.Handle(channelPost(2, "ok.apk", 50*mb, "Key - K1234"))
	f.group.Wait()
	if len(f.fake.Documents()) != 1 {
		t.Fatal("50 MB must be accepted by setup 1")
	}

	f.setup(t, 1, func(st *store.RelaySetup) { st.Enabled = false })
	f.p.Handle(channelPost(3, "ok.apk", 10*mb, "Key - K1234"))
	f.group.Wait()
	if len(f.fake.Documents()) != 1 || !containsText(f.fake.Texts(), "Auto 1 is currently OFF") {
		t.Fatal("disabled setup must decline")
	}

	if f.p.Handle(channelPost(4, "notes.txt", 10, "Key - K1234")) {
		t.Fatal("non-APK documents are ignored")
	}
}

func TestHandle_ManualKeyModeIgnoresEntities(t *testing.T) {
	f := newFixture(t)
	f.setup(t, 3, func(st *store.RelaySetup) {
		st.SourceChannel = "@srcchan"
		st.DestChannel = "-1002222"
		st.KeyMode = store.KeyModeManual
		st.Enabled = true
	})
	msg := channelPost(5, "app.apk", mb, "Tap to copy XYZ9")
	msg.CaptionEntities = []tgbotapi.MessageEntity{{Type: "code", Offset: 12, Length: 4}}

	f.p.Handle(msg)
	f.group.Wait()
	if len(f.fake.Documents()) != 0 || !containsText(f.fake.Texts(), "Key not extracted") {
		t.Fatal("manual key mode must only use the Key - pattern")
	}
}

func TestAuto4_BatchSharesLastKey(t *testing.T) {
	f := newFixture(t)
	f.setup(t, 4, func(st *store.RelaySetup) {
		st.SourceChannel = "@srcchan"
		st.DestChannel = "@dest"
		st.DestCaption = "Batch"
		st.Style = caption.StyleQuote
		st.Enabled = true
	})

	f.p.Handle(channelPost(1, "a.apk", mb, "first"))
	f.p.Handle(channelPost(2, "b.apk", mb, "second"))
	f.p.Handle(channelPost(3, "c.apk", mb, "Key - LAST1"))
	f.fake.Delete(sourceID, 2)
	f.group.Wait()

	docs := f.fake.Documents()
	if len(docs) != 2 {
		t.Fatalf("expected 2 surviving files, got %d", len(docs))
	}
	want := caption.KeyOnly("LAST1", caption.StyleQuote)
	for _, d := range docs {
		if d.Caption != want {
			t.Fatalf("caption = %q, want %q", d.Caption, want)
		}
	}
	st, _ := f.cfg.Setup(4)
	if st.CompletedCount != 1 || st.ProcessedCount != 2 {
		t.Fatalf("counters: %+v", st)
	}
	if a4 := f.state.Auto4(); len(a4.Pending) != 0 || a4.SetupMode != 2 {
		t.Fatalf("auto4 state not cleared: %+v", a4)
	}
	if !containsText(f.fake.Texts(), "Auto 4 Setup 2 Completed") {
		t.Fatal("summary missing")
	}
}

func TestAuto4_PostDuringPublishGetsNextWindow(t *testing.T) {
	f := newFixture(t)
	f.setup(t, 4, func(st *store.RelaySetup) {
		st.SourceChannel = "@srcchan"
		st.DestChannel = "@dest"
		st.DestCaption = "Batch"
		st.Enabled = true
	})

	queued := make(chan struct{})
	var once sync.Once
	f.fake.SendErr = func(c tgbotapi.Chattable) error {
		if _, ok := c.(tgbotapi.DocumentConfig); ok {
			once.Do(func() {
				// Send holds the fake's lock, so queue from another goroutine.
				go func() {
					f.p.Handle(channelPost(2, "late.apk", mb, "Key - LATE1"))
					close(queued)
				}()
			})
		}
		return nil
	}

	f.p.Handle(channelPost(1, "first.apk", mb, "Key - FIRST1"))
	select {
	case <-queued:
	case <-time.After(5 * time.Second):
		t.Fatal("late post was never queued")
	}
	f.group.Wait()

	docs := f.fake.Documents()
	if len(docs) != 2 {
		t.Fatalf("expected both posts published, got %d", len(docs))
	}
	if !strings.Contains(docs[1].Caption, "LATE1") {
		t.Fatalf("second window used the wrong key: %q", docs[1].Caption)
	}
	if a4 := f.state.Auto4(); len(a4.Pending) != 0 {
		t.Fatalf("post left pending: %+v", a4.Pending)
	}
	st, _ := f.cfg.Setup(4)
	if st.CompletedCount != 2 || st.ProcessedCount != 2 {
		t.Fatalf("counters: %+v", st)
	}
}
