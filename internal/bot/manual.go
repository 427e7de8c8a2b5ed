package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
	"github.com/Armin-kho/apk-relay-bot/internal/tasks"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

const keyPromptText = "<pre>" +
	"▌ KEY MODE ACTIVE ▌\n" +
	"▶ Send your Key Now\n" +
	"▶ Used for all Mods , Loaders\n" +
	"────────────────────</pre>"

func countdownTask(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

func fileFrom(doc *tgbotapi.Document) session.File {
	return session.File{ID: doc.FileID, Name: doc.FileName, Size: int64(doc.FileSize)}
}

// receiveMethodOne publishes a single APK, asking for the key when the caption has none.
func (a *App) receiveMethodOne(msg tgbotapi.Message) {
	userID := msg.From.ID
	f := fileFrom(msg.Document)

	key, ok := caption.ExtractKey(msg.Caption, msg.CaptionEntities)
	if !ok {
		a.state.Update(userID, func(s *session.Session) {
			s.PendingFile = &f
			s.AwaitKey()
		})
		a.send(userID, "⏳ <b>Send the Key now!</b>")
		return
	}
	a.postSingle(userID, f, key)
}

func (a *App) postSingle(userID int64, f session.File, key string) {
	sess := a.state.Get(userID)
	rec, err := a.publish(context.Background(), userID, []session.File{f}, key, sess.Style, session.MethodOne)
	if err != nil {
		a.reportPublishError(userID, err)
		return
	}
	a.finishSingle(userID)
	kb := postedKeyboard(rec)
	a.sendMarkup(userID, "✅ <b>APK Posted Successfully!</b>\n\nManage your post below:", kb)
}

// finishSingle ends a one-file flow. The method stays selected and the post stays manageable.
func (a *App) finishSingle(userID int64) {
	a.state.Update(userID, func(s *session.Session) {
		m, last := s.Method, s.LastPost
		s.Reset()
		s.Method = m
		s.LastPost = last
	})
}

func (a *App) reportPublishError(userID int64, err error) {
	if errors.Is(err, errMissingData) {
		a.send(userID, "❌ <b>Session Data Missing!</b>\nSet your channel and caption, then send the key or files again.")
		return
	}
	a.log.Error("Publish failed", zap.Int64("user_id", userID), zap.Error(err))
	a.send(userID, "❌ <b>Failed to post!</b>\n\n<code>"+html.EscapeString(err.Error())+"</code>")
}

// receiveMethodTwo adds a file to the batch and restarts the idle countdown.
func (a *App) receiveMethodTwo(msg tgbotapi.Message) {
	userID := msg.From.ID
	f := fileFrom(msg.Document)

	a.tasks.CancelWait(countdownTask(userID))

	var full bool
	a.state.Update(userID, func(s *session.Session) {
		box := s.CountdownMsgID
		// A file arriving while the key prompt is open starts a new batch.
		if s.Step == session.StepWaitingKey {
			s.ClearBatch()
		}
		full = s.AddFile(f)
		s.CountdownMsgID = box
	})
	a.log.Debug("Method 2 file added", zap.Int64("user_id", userID), zap.String("file", f.Name), zap.Bool("full", full))

	if full {
		a.promptKey(userID)
		return
	}
	a.startCountdown(userID)
}

func countdownKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Confirm", "cd|confirm"),
		tgbotapi.NewInlineKeyboardButtonData("❌ Cancel", "cd|cancel"),
	))
}

func countdownText(files []session.File, left, total int) string {
	var b strings.Builder
	b.WriteString("<pre>┌───────[Session: Method 2]────────┐\n")
	fmt.Fprintf(&b, "│ Files Captured: %d/%d\n", len(files), session.MaxBatch)
	for i, f := range files {
		fmt.Fprintf(&b, "│  %d. %s  (%s)\n", i+1, html.EscapeString(f.Name), f.SizeLabel())
	}
	fmt.Fprintf(&b, "│\n│ Countdown: %d sec\n│ ", left)
	for i := 0; i < total; i++ {
		if i < left {
			b.WriteString("⣿")
		} else {
			b.WriteString("⠂")
		}
	}
	b.WriteString("\n│\n│ Next:\n│ ▸ Send another APK\n│ ▸ Or confirm to enter the key\n")
	b.WriteString("└──────────────────────────────────┘</pre>")
	return b.String()
}

// startCountdown runs the idle window for a Method 2 batch, editing the box once per second.
func (a *App) startCountdown(userID int64) {
	window := a.cfg.BatchWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	secs := int(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	tick := window / time.Duration(secs)

	a.tasks.Go(countdownTask(userID), func(ctx context.Context) {
		sess := a.state.Get(userID)
		kb := countdownKeyboard()
		box := a.editOrSendMenu(userID, sess.CountdownMsgID, countdownText(sess.Files, secs, secs), &kb)
		a.state.Update(userID, func(s *session.Session) { s.CountdownMsgID = box })

		for left := secs - 1; left >= 0; left-- {
			if !tasks.Sleep(ctx, tick) {
				return
			}
			if left > 0 {
				_, _ = a.bot.Request(telegram.EditHTML(userID, box, countdownText(sess.Files, left, secs), &kb))
			}
		}
		a.promptKey(userID)
	})
}

// promptKey closes the countdown box and asks for the batch key.
func (a *App) promptKey(userID int64) {
	var box, n int
	var already bool
	a.state.Update(userID, func(s *session.Session) {
		box, n = s.CountdownMsgID, len(s.Files)
		already = s.Step == session.StepWaitingKey
		s.CountdownMsgID = 0
		if n > 0 && !already {
			s.AwaitKey()
		}
	})
	if box != 0 {
		_, _ = a.bot.Request(tgbotapi.NewDeleteMessage(userID, box))
	}
	if n == 0 || already {
		return
	}
	a.send(userID, keyPromptText)
}

func (a *App) countdownAction(userID int64, action string) {
	a.tasks.CancelWait(countdownTask(userID))
	switch action {
	case "confirm":
		a.promptKey(userID)
	case "cancel":
		var box int
		a.state.Update(userID, func(s *session.Session) {
			box = s.CountdownMsgID
			s.ClearBatch()
		})
		if box != 0 {
			_, _ = a.bot.Request(tgbotapi.NewDeleteMessage(userID, box))
		}
		a.send(userID, "❌ <b>Session cancelled.</b> Send new APKs to start again.")
	}
}

// receiveKey validates a typed key and either publishes (Method 1) or opens the panel (Method 2).
func (a *App) receiveKey(userID int64, text string) {
	if err := caption.ValidateKey(text); err != nil {
		a.send(userID, fmt.Sprintf("❌ <b>Invalid key.</b>\nA key must be %d to %d characters. Send it again.", caption.MinKeyLen, caption.MaxKeyLen))
		return
	}
	key := strings.TrimSpace(text)
	sess := a.state.Get(userID)

	switch sess.Method {
	case session.MethodOne:
		if sess.PendingFile == nil {
			a.state.Update(userID, func(s *session.Session) { s.Idle() })
			a.send(userID, "⚠️ No APK is waiting for a key. Send the file first.")
			return
		}
		a.postSingle(userID, *sess.PendingFile, key)
	case session.MethodTwo:
		if len(sess.Files) == 0 {
			a.state.Update(userID, func(s *session.Session) { s.Idle() })
			a.send(userID, "⚠️ No APKs in this session. Send the files first.")
			return
		}
		a.state.Update(userID, func(s *session.Session) { _ = s.SetKey(key) })
		a.showPanel(userID, 0)
	default:
		a.state.Update(userID, func(s *session.Session) { s.Idle() })
	}
}
