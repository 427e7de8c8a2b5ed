package bot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/config"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram/telegramtest"
)

const (
	ownerID    = int64(1000)
	operatorID = int64(2000)
)

func newTestApp(t *testing.T) (*App, *telegramtest.Fake) {
	t.Helper()
	return newTestAppWindow(t, time.Hour)
}

// newTestAppWindow builds an app whose Method 2 idle window is batchWindow.
func newTestAppWindow(t *testing.T, batchWindow time.Duration) (*App, *telegramtest.Fake) {
	t.Helper()
	cfg := config.Config{
		BotToken:    "test",
		OwnerID:     ownerID,
		DataDir:     t.TempDir(),
		Timezone:    "Asia/Kolkata",
		BatchWindow: batchWindow,
	}
	fake := telegramtest.New()
	a, err := newApp(cfg, logger.NewNop(), fake, tgbotapi.User{ID: 1, UserName: "apkbot"})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a, fake
}

func (a *App) allowOperator(t *testing.T, id int64, channel, tmpl string) {
	t.Helper()
	if _, err := a.store.Allow(id); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if channel != "" {
		if err := a.store.SetChannel(id, channel); err != nil {
			t.Fatalf("channel: %v", err)
		}
	}
	if tmpl != "" {
		if err := a.store.SetCaption(id, tmpl); err != nil {
			t.Fatalf("caption: %v", err)
		}
	}
}

func textMsg(from int64, text string) tgbotapi.Update {
	m := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: from, FirstName: "Tester"},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		word := strings.Fields(text)[0]
		m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(word)}}
	}
	return tgbotapi.Update{Message: m}
}

func docMsg(from int64, name, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 2,
		From:      &tgbotapi.User{ID: from, FirstName: "Tester"},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Document:  &tgbotapi.Document{FileID: "fid-" + name, FileName: name, FileSize: 5 << 20},
		Caption:   text,
	}}
}

func press(from int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "q",
		From:    &tgbotapi.User{ID: from},
		Message: &tgbotapi.Message{MessageID: 50, Chat: &tgbotapi.Chat{ID: from, Type: "private"}},
		Data:    data,
	}}
}

func hasText(fake *telegramtest.Fake, sub string) bool {
	for _, s := range fake.Texts() {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func requestsOf[T tgbotapi.Chattable](fake *telegramtest.Fake) []T {
	var out []T
	for _, c := range fake.Requests() {
		if v, ok := c.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestMethodOne_PostsWithCaptionKey(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, operatorID, "@mychan", "Key -")

	a.handleUpdate(press(operatorID, "m|1"))
	a.handleUpdate(docMsg(operatorID, "app.apk", "Key - SECRET1"))

	docs := fake.Documents()
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].ChannelUsername != "@mychan" || docs[0].Caption != "Key - SECRET1" {
		t.Fatalf("unexpected post: chat=%q caption=%q", docs[0].ChannelUsername, docs[0].Caption)
	}

	sess := a.state.Get(operatorID)
	if sess.Step != session.StepIdle || sess.Method != session.MethodOne {
		t.Fatalf("expected idle Method 1 session, got step=%s method=%s", sess.Step, sess.Method)
	}
	if sess.Stats.APKs != 1 || sess.Stats.Keys != 1 {
		t.Fatalf("unexpected stats: %+v", sess.Stats)
	}
	if sess.LastPost == nil || sess.LastPost.Link != "https://t.me/mychan/101" {
		t.Fatalf("unexpected last post: %+v", sess.LastPost)
	}

	// Delete everything through the manage menu.
	a.handleUpdate(press(operatorID, "mg|delete"))
	a.handleUpdate(press(operatorID, "mg|delall"))
	dels := requestsOf[tgbotapi.DeleteMessageConfig](fake)
	if len(dels) != 1 || dels[0].MessageID != 101 || dels[0].ChannelUsername != "@mychan" {
		t.Fatalf("unexpected deletes: %+v", dels)
	}
	if a.state.Get(operatorID).LastPost != nil {
		t.Fatal("expected last post cleared after deleting everything")
	}
	post, err := a.db.GetPost(context.Background(), sess.LastPost.HistoryID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if !post.Deleted {
		t.Fatal("expected history row marked deleted")
	}
}

func TestMethodOne_KeyLengthBounds(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, operatorID, "@mychan", "Download\nKey -")

	a.handleUpdate(press(operatorID, "m|1"))
	a.handleUpdate(docMsg(operatorID, "app.apk", "no key here"))
	if got := a.state.Get(operatorID).Step; got != session.StepWaitingKey {
		t.Fatalf("expected waiting for key, got %s", got)
	}

	for _, bad := range []string{"abc", strings.Repeat("x", 31)} {
		a.handleUpdate(textMsg(operatorID, bad))
		if len(fake.Documents()) != 0 {
			t.Fatalf("key %q must be rejected", bad)
		}
		if got := a.state.Get(operatorID).Step; got != session.StepWaitingKey {
			t.Fatalf("expected to keep waiting after %q, got %s", bad, got)
		}
	}

	a.handleUpdate(textMsg(operatorID, "abcd"))
	docs := fake.Documents()
	if len(docs) != 1 || docs[0].Caption != "Download\nKey - abcd" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if got := a.state.Get(operatorID).Step; got != session.StepIdle {
		t.Fatalf("expected idle after posting, got %s", got)
	}
}

func TestMethodOne_MaxLengthKeyAccepted(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, operatorID, "@mychan", "Key -")

	a.handleUpdate(press(operatorID, "m|1"))
	a.handleUpdate(docMsg(operatorID, "app.apk", ""))
	key := strings.Repeat("k", 30)
	a.handleUpdate(textMsg(operatorID, key))
	if docs := fake.Documents(); len(docs) != 1 || docs[0].Caption != "Key - "+key {
		t.Fatalf("30 character key must be accepted, got %+v", docs)
	}
}

func TestMethodTwo_PanelPostAndKeyOnly(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, operatorID, "-1001234", "Download now\nKey -")

	a.handleUpdate(press(operatorID, "m|2"))
	for _, name := range []string{"a.apk", "b.apk", "c.apk"} {
		a.handleUpdate(docMsg(operatorID, name, ""))
	}
	sess := a.state.Get(operatorID)
	if len(sess.Files) != 3 || sess.Step != session.StepWaitingKey {
		t.Fatalf("expected full batch waiting for key, got files=%d step=%s", len(sess.Files), sess.Step)
	}

	a.handleUpdate(textMsg(operatorID, "KEY123"))
	if got := a.state.Get(operatorID).Key; got != "KEY123" {
		t.Fatalf("expected key stored, got %q", got)
	}
	if !hasText(fake, "SESSION MENU") {
		t.Fatal("expected control panel")
	}

	a.handleUpdate(press(operatorID, "p|mono"))
	a.handleUpdate(press(operatorID, "p|post"))

	docs := fake.Documents()
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	keyOnly := "Key - <code>KEY123</code>"
	want := []string{keyOnly, keyOnly, "Download now\n" + keyOnly}
	for i, d := range docs {
		if d.ChatID != -1001234 || d.Caption != want[i] {
			t.Fatalf("doc %d: chat=%d caption=%q", i, d.ChatID, d.Caption)
		}
	}
	last := a.state.Get(operatorID).LastPost
	if last == nil || len(last.MessageIDs) != 3 || last.Link != "https://t.me/c/1234/"+strconv.Itoa(last.MessageIDs[2]) {
		t.Fatalf("unexpected last post: %+v", last)
	}

	a.handleUpdate(press(operatorID, "mg|keyonly"))
	edits := requestsOf[tgbotapi.EditMessageCaptionConfig](fake)
	if len(edits) != 3 {
		t.Fatalf("expected 3 caption edits, got %d", len(edits))
	}
	if edits[0].Caption != "" || edits[1].Caption != "" || edits[2].Caption != keyOnly {
		t.Fatalf("unexpected key-only captions: %q %q %q", edits[0].Caption, edits[1].Caption, edits[2].Caption)
	}
}

func TestMethodTwo_IdleWindowRestartsOnNewFile(t *testing.T) {
	const window = 800 * time.Millisecond
	a, fake := newTestAppWindow(t, window)
	a.allowOperator(t, operatorID, "@mychan", "Key -")

	a.handleUpdate(press(operatorID, "m|2"))
	a.handleUpdate(docMsg(operatorID, "a.apk", ""))
	time.Sleep(window / 2)
	a.handleUpdate(docMsg(operatorID, "b.apk", ""))

	// Past the first file's window but inside the restarted one.
	time.Sleep(window/2 + window/4)
	if sess := a.state.Get(operatorID); sess.Step == session.StepWaitingKey {
		t.Fatal("second file must restart the idle window")
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.state.Get(operatorID).Step != session.StepWaitingKey {
		if time.Now().After(deadline) {
			t.Fatalf("idle window never expired, step=%s", a.state.Get(operatorID).Step)
		}
		time.Sleep(20 * time.Millisecond)
	}
	a.tasks.CancelWait(countdownTask(operatorID))

	sess := a.state.Get(operatorID)
	if len(sess.Files) != 2 || sess.Key != "" {
		t.Fatalf("expected 2 files and no key, got files=%d key=%q", len(sess.Files), sess.Key)
	}
	prompts := 0
	for _, s := range fake.Texts() {
		if s == keyPromptText {
			prompts++
		}
	}
	if prompts != 1 {
		t.Fatalf("expected exactly one key prompt, got %d", prompts)
	}
	if len(fake.Documents()) != 0 {
		t.Fatal("nothing may be published before the key is given")
	}
}

func TestPublish_RollsBackOnFailure(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, operatorID, "@mychan", "Key -")

	sent := 0
	fake.SendErr = func(c tgbotapi.Chattable) error {
		if _, ok := c.(tgbotapi.DocumentConfig); ok {
			sent++
			if sent == 2 {
				return telegramtest.ErrNetwork
			}
		}
		return nil
	}
	files := []session.File{{ID: "f1", Name: "a.apk"}, {ID: "f2", Name: "b.apk"}}
	_, err := a.publish(context.Background(), operatorID, files, "KEY1", caption.StyleNormal, session.MethodTwo)
	if !errors.Is(err, telegramtest.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	dels := requestsOf[tgbotapi.DeleteMessageConfig](fake)
	if len(dels) != 1 || dels[0].MessageID != 101 {
		t.Fatalf("expected the first message rolled back, got %+v", dels)
	}
	if a.state.Get(operatorID).LastPost != nil {
		t.Fatal("failed publish must not record a post")
	}
}

func TestPublish_MissingData(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, operatorID, "@mychan", "")

	_, err := a.publish(context.Background(), operatorID, []session.File{{ID: "f"}}, "KEY1", caption.StyleNormal, session.MethodOne)
	if !errors.Is(err, errMissingData) {
		t.Fatalf("expected missing data, got %v", err)
	}
	if len(fake.Documents()) != 0 {
		t.Fatal("nothing must be sent")
	}
}

func TestUnauthorizedUserIsDenied(t *testing.T) {
	a, fake := newTestApp(t)

	a.handleUpdate(textMsg(777, "/start"))
	if !hasText(fake, "Unauthorized Access") {
		t.Fatal("expected unauthorized notice")
	}
	a.handleUpdate(docMsg(777, "app.apk", "Key - X1234"))
	if len(fake.Documents()) != 0 {
		t.Fatal("unauthorized user must not post")
	}
}

func TestBotOff_BlocksOperatorsOnly(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, operatorID, "@mychan", "Key -")

	a.handleUpdate(textMsg(ownerID, "/off"))
	if a.store.Active() {
		t.Fatal("expected bot off")
	}
	a.handleUpdate(textMsg(operatorID, "/start"))
	if !hasText(fake, "turned off by the admin") {
		t.Fatal("expected off notice for operator")
	}
	a.handleUpdate(textMsg(ownerID, "/on"))
	if !a.store.Active() {
		t.Fatal("expected bot on")
	}
}

func TestAllowListCommands(t *testing.T) {
	a, fake := newTestApp(t)

	a.handleUpdate(textMsg(ownerID, "/adduser 4242"))
	if !a.store.IsAuthorized(4242) {
		t.Fatal("expected user allowed")
	}
	a.handleUpdate(textMsg(operatorID, "/adduser 5"))
	if a.store.IsAuthorized(5) {
		t.Fatal("operators must not manage the allow-list")
	}
	a.handleUpdate(textMsg(ownerID, "/removeuser 4242"))
	if a.store.IsAuthorized(4242) {
		t.Fatal("expected user removed")
	}
	a.handleUpdate(textMsg(ownerID, "/removeuser "+strconv.FormatInt(ownerID, 10)))
	if !hasText(fake, "owner cannot be removed") {
		t.Fatal("expected owner protection")
	}
}

func TestBroadcast_TalliesBlocked(t *testing.T) {
	a, fake := newTestApp(t)
	for _, id := range []int64{201, 202, 203} {
		a.allowOperator(t, id, "", "")
	}
	fake.SendErr = func(c tgbotapi.Chattable) error {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == 202 {
			return telegramtest.Blocked()
		}
		return nil
	}

	a.handleUpdate(textMsg(ownerID, "/broadcast"))
	a.handleUpdate(textMsg(ownerID, "Hello everyone"))
	a.handleUpdate(press(ownerID, "bc|yes"))

	var summary string
	for _, s := range fake.Texts() {
		if strings.Contains(s, "Broadcast complete") {
			summary = s
		}
	}
	if summary == "" {
		t.Fatal("expected broadcast summary")
	}
	for _, want := range []string{"Delivered: 2", "Failed: 1", "Blocked", "202"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, summary)
		}
	}

	delivered := 0
	for _, c := range fake.Sent() {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.Text == "Hello everyone" {
			delivered++
		}
	}
	if delivered != 3 {
		t.Fatalf("expected 3 send attempts, got %d", delivered)
	}
}

func TestBroadcast_Cancel(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, 201, "", "")

	a.handleUpdate(textMsg(ownerID, "/broadcast"))
	a.handleUpdate(textMsg(ownerID, "Hello"))
	a.handleUpdate(press(ownerID, "bc|no"))
	for _, c := range fake.Sent() {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == 201 {
			t.Fatal("cancelled broadcast must not send")
		}
	}
}

func TestBackupAndRestore(t *testing.T) {
	a, fake := newTestApp(t)
	a.allowOperator(t, 555, "@chan", "Key -")

	a.handleUpdate(textMsg(ownerID, "/backup"))
	docs := fake.Documents()
	if len(docs) != 1 {
		t.Fatalf("expected backup document, got %d", len(docs))
	}
	fb, ok := docs[0].File.(tgbotapi.FileBytes)
	if !ok || !strings.HasPrefix(fb.Name, "Backup_") || !strings.HasSuffix(fb.Name, ".zip") {
		t.Fatalf("unexpected backup file: %#v", docs[0].File)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fb.Bytes)
	}))
	defer srv.Close()
	a.fileURL = func(string) (string, error) { return srv.URL, nil }

	if _, err := a.store.Disallow(555); err != nil {
		t.Fatalf("disallow: %v", err)
	}

	a.handleUpdate(textMsg(ownerID, "/restore"))
	a.handleUpdate(docMsg(ownerID, "notes.txt", ""))
	if got := a.state.Get(ownerID).PendingRestore; got != "" {
		t.Fatalf("non-zip must be rejected, got pending %q", got)
	}
	a.handleUpdate(docMsg(ownerID, fb.Name, ""))
	if got := a.state.Get(ownerID).PendingRestore; got == "" {
		t.Fatal("expected pending restore")
	}
	a.handleUpdate(press(ownerID, "rs|yes"))

	if !a.store.IsAuthorized(555) {
		t.Fatal("expected allow-list restored from the backup")
	}
	if p, _ := a.store.Profile(555); p.Channel != "@chan" {
		t.Fatalf("expected profile restored, got %+v", p)
	}
	if !a.store.IsOwner(ownerID) {
		t.Fatal("owner must stay pinned after restore")
	}
	if !hasText(fake, "Restore complete") {
		t.Fatal("expected completion notice")
	}
}

func TestRestore_BadDownload(t *testing.T) {
	a, fake := newTestApp(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	a.fileURL = func(string) (string, error) { return srv.URL, nil }

	a.handleUpdate(textMsg(ownerID, "/restore"))
	a.handleUpdate(docMsg(ownerID, "b.zip", ""))
	a.handleUpdate(press(ownerID, "rs|yes"))
	if !hasText(fake, "download status 404") {
		t.Fatal("expected download error surfaced to the owner")
	}
}
