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
	"github.com/Armin-kho/apk-relay-bot/internal/db"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

var errMissingData = errors.New("channel, caption, files or key missing")

// publish sends files to the operator's channel and records the post.
// Nothing is changed when a precondition is missing or a send fails.
func (a *App) publish(ctx context.Context, userID int64, files []session.File, key string, style caption.Style, m session.Method) (*session.PostRecord, error) {
	p, _ := a.store.Profile(userID)
	if p.Channel == "" || p.Caption == "" || len(files) == 0 || key == "" {
		return nil, errMissingData
	}
	caps := caption.ForBatch(p.Caption, key, style, len(files), caption.AnchorLast)
	ids, err := a.sendFiles(p.Channel, files, caps)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &session.PostRecord{
		Files:      append([]session.File(nil), files...),
		Key:        key,
		Style:      style,
		Template:   p.Caption,
		Channel:    p.Channel,
		MessageIDs: ids,
		Link:       caption.PostLink(p.Channel, ids[len(ids)-1]),
		PostedAt:   now,
	}
	hid, err := a.db.RecordPost(ctx, db.Post{
		UserID:     userID,
		Method:     m.String(),
		Channel:    p.Channel,
		MessageIDs: ids,
		FileCount:  len(ids),
		Key:        key,
		Style:      string(style),
		Link:       rec.Link,
		CreatedAt:  now,
	})
	if err != nil {
		a.log.Warn("Failed to record post history", zap.Int64("user_id", userID), zap.Error(err))
	}
	rec.HistoryID = hid

	a.state.Update(userID, func(s *session.Session) {
		s.Stats.Record(len(ids), m, style, now)
		s.LastPost = rec
	})
	a.log.Info("Posted APKs",
		zap.Int64("user_id", userID),
		zap.String("channel", p.Channel),
		zap.Int("files", len(ids)),
		zap.String("method", m.String()),
	)
	return rec, nil
}

// sendFiles posts files in order. On failure the already sent messages are removed.
func (a *App) sendFiles(channel string, files []session.File, caps []string) ([]int, error) {
	ids := make([]int, 0, len(files))
	for i, f := range files {
		m, err := a.bot.Send(telegram.Document(channel, f.ID, caps[i]))
		if err != nil {
			for _, id := range ids {
				_, _ = a.bot.Request(telegram.Delete(channel, id))
			}
			return nil, fmt.Errorf("send %s: %w", f.Name, err)
		}
		ids = append(ids, m.MessageID)
	}
	return ids, nil
}

func panelKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Post APKs", "p|post"),
			tgbotapi.NewInlineKeyboardButtonData("❌ Cancel Post", "p|cancel"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✍️ Quote Format", "p|quote"),
			tgbotapi.NewInlineKeyboardButtonData("🔤 Mono Format", "p|mono"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📝 Edit Full Caption", "p|edit"),
			tgbotapi.NewInlineKeyboardButtonData("👁️ Preview Caption", "p|preview"),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🧹 Erase All", "p|erase")),
	)
}

func panelText(sess *session.Session) string {
	var b strings.Builder
	switch sess.Style {
	case caption.StyleQuote:
		b.WriteString("<b>QUOTE KEY INFO 📝</b>\n<pre>")
	case caption.StyleMono:
		b.WriteString("<b>MONO KEY INFO 🏆</b>\n<pre>")
	default:
		b.WriteString("<b>SESSION MENU 📃</b>\n<pre>")
	}
	for i, f := range sess.Files {
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, html.EscapeString(f.Name), f.SizeLabel())
	}
	b.WriteString("</pre>\n🔐 ")
	b.WriteString(caption.KeyOnly(sess.Key, sess.Style))
	return b.String()
}

// showPanel renders the Method 2 control panel in place of msgID, or as a new message.
func (a *App) showPanel(userID int64, msgID int) {
	sess := a.state.Get(userID)
	if msgID == 0 {
		msgID = sess.PreviewMsgID
	}
	kb := panelKeyboard()
	id := a.editOrSendMenu(userID, msgID, panelText(sess), &kb)
	a.state.Update(userID, func(s *session.Session) { s.PreviewMsgID = id })
}

func (a *App) panelAction(ctx context.Context, userID int64, msgID int, action string) {
	sess := a.state.Get(userID)
	if sess.Method != session.MethodTwo || sess.Key == "" || len(sess.Files) == 0 {
		if action != "erase" {
			a.send(userID, "⚠️ <b>No active APK session found!</b>")
			return
		}
	}

	switch action {
	case "post":
		rec, err := a.publish(ctx, userID, sess.Files, sess.Key, sess.Style, session.MethodTwo)
		if err != nil {
			a.reportPublishError(userID, err)
			return
		}
		if len(rec.MessageIDs) == 1 {
			a.finishSingle(userID)
		} else {
			a.state.Update(userID, func(s *session.Session) { s.Idle() })
		}
		kb := postedKeyboard(rec)
		a.editOrSendMenu(userID, msgID, "✅ <b>All APKs Posted Successfully!</b>\n\nManage your posts below:", &kb)
	case "cancel":
		a.state.Update(userID, func(s *session.Session) {
			s.ClearBatch()
			s.PreviewMsgID = 0
		})
		a.editOrSendMenu(userID, msgID, "❌ <b>Post cancelled.</b> Send new APKs to start again.", nil)
	case "quote", "mono":
		a.state.Update(userID, func(s *session.Session) { s.Style = caption.ParseStyle(action) })
		a.showPanel(userID, msgID)
	case "edit":
		a.state.Update(userID, func(s *session.Session) {
			s.Await(session.StepWaitingNewCaption, 0)
			s.PreviewMsgID = msgID
		})
		a.send(userID, "📝 <b>Send the new full caption.</b>\nIt must contain <code>Key -</code>.")
	case "preview":
		a.showPreview(userID, msgID, sess)
	case "back":
		a.showPanel(userID, msgID)
	case "erase":
		a.tasks.Cancel(countdownTask(userID))
		a.state.Update(userID, func(s *session.Session) {
			s.ClearBatch()
			s.Idle()
			s.PreviewMsgID = 0
			s.LastPost = nil
		})
		a.editOrSendMenu(userID, msgID, "🧹 <b>Session erased.</b>", nil)
	}
}

// showPreview renders every caption the batch would get.
func (a *App) showPreview(userID int64, msgID int, sess *session.Session) {
	p, _ := a.store.Profile(userID)
	if p.Caption == "" {
		a.send(userID, "⚠️ <b>No caption saved.</b> Use /setcaption first.")
		return
	}
	caps := caption.ForBatch(p.Caption, sess.Key, sess.Style, len(sess.Files), caption.AnchorLast)
	var b strings.Builder
	b.WriteString("<b>PREVIEW INFO 📃</b>\n")
	for i, f := range sess.Files {
		fmt.Fprintf(&b, "\n<b>%d. %s</b>\n%s\n", i+1, html.EscapeString(f.Name), caps[i])
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "p|back"),
	))
	a.editOrSendMenu(userID, msgID, b.String(), &kb)
}

// receivePanelCaption saves a new template typed from the panel and redraws it.
func (a *App) receivePanelCaption(userID int64, text string) {
	if err := a.store.SetCaption(userID, text); err != nil {
		if errors.Is(err, caption.ErrNoPlaceholder) {
			a.send(userID, "❌ <b>Invalid Caption!</b>\nMust contain the <code>Key -</code> placeholder.")
			return
		}
		a.log.Error("Failed to save caption", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	a.state.Update(userID, func(s *session.Session) { s.Idle() })
	sess := a.state.Get(userID)
	if sess.Key == "" || len(sess.Files) == 0 {
		a.send(userID, "✅ <b>Caption saved!</b>")
		return
	}
	if sess.PreviewMsgID != 0 {
		_, _ = a.bot.Request(tgbotapi.NewDeleteMessage(userID, sess.PreviewMsgID))
	}
	a.state.Update(userID, func(s *session.Session) { s.PreviewMsgID = 0 })
	a.showPanel(userID, 0)
}

func postedKeyboard(rec *session.PostRecord) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if rec.Link != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("📄 Open Posted APK", rec.Link)))
	}
	if len(rec.MessageIDs) >= 2 {
		rows = append(rows,
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("✏️ Key to All APKs", "mg|recaption"),
				tgbotapi.NewInlineKeyboardButtonData("✨ Key to Last Only", "mg|lastonly"),
			),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔑 Only Key (Last APK)", "mg|keyonly")),
		)
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🗑️ Delete Posted APKs", "mg|delete"),
			tgbotapi.NewInlineKeyboardButtonData("🧹 Reset Session", "p|erase"),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back to Upload Menu", "m|menu")),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func deleteKeyboard(rec *session.PostRecord) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := range rec.MessageIDs {
		label := fmt.Sprintf("🗑️ APK %d", i+1)
		if i < len(rec.Files) {
			label += " · " + rec.Files[i].Name
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, "mg|del|"+strconv.Itoa(i))))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🗑️ Delete All", "mg|delall")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "mg|back")),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// manageAction runs the post-publish actions on Session.LastPost.
func (a *App) manageAction(ctx context.Context, userID int64, msgID int, args []string) {
	if len(args) == 0 {
		return
	}
	rec := a.state.Get(userID).LastPost
	if rec == nil || len(rec.MessageIDs) == 0 || rec.Channel == "" {
		a.editOrSendMenu(userID, msgID, "⚠️ <b>Session data missing!</b> Nothing to manage.", nil)
		return
	}

	switch args[0] {
	case "delete":
		kb := deleteKeyboard(rec)
		a.editOrSendMenu(userID, msgID, "🗑️ <b>Choose what to delete:</b>", &kb)
	case "del":
		if len(args) < 2 {
			return
		}
		i, err := strconv.Atoi(args[1])
		if err != nil || i < 0 || i >= len(rec.MessageIDs) {
			return
		}
		a.deletePosted(ctx, userID, msgID, rec, []int{i})
	case "delall":
		all := make([]int, len(rec.MessageIDs))
		for i := range all {
			all[i] = i
		}
		a.deletePosted(ctx, userID, msgID, rec, all)
	case "recaption":
		a.recaptionAll(ctx, userID, msgID, rec)
	case "lastonly":
		a.editCaptions(userID, msgID, rec, caption.AnchorLastOnly, "✨ <b>Key kept on the last APK only.</b>")
	case "keyonly":
		a.editCaptions(userID, msgID, rec, caption.KeyOnLast, "🔑 <b>Only the key is shown on the last APK.</b>")
	case "back":
		kb := postedKeyboard(rec)
		a.editOrSendMenu(userID, msgID, "✅ <b>Posted.</b>\n\nManage your posts below:", &kb)
	}
}

// deletePosted removes the posts at the given indexes from the channel.
func (a *App) deletePosted(ctx context.Context, userID int64, msgID int, rec *session.PostRecord, idx []int) {
	drop := make(map[int]bool, len(idx))
	failed := 0
	for _, i := range idx {
		if _, err := a.bot.Request(telegram.Delete(rec.Channel, rec.MessageIDs[i])); err != nil {
			a.log.Warn("Failed to delete post", zap.String("channel", rec.Channel), zap.Int("message_id", rec.MessageIDs[i]), zap.Error(err))
			failed++
		}
		drop[i] = true
	}

	var ids []int
	var files []session.File
	for i, id := range rec.MessageIDs {
		if drop[i] {
			continue
		}
		ids = append(ids, id)
		if i < len(rec.Files) {
			files = append(files, rec.Files[i])
		}
	}

	if rec.HistoryID != "" {
		var err error
		if len(ids) == 0 {
			err = a.db.MarkPostDeleted(ctx, rec.HistoryID)
		} else {
			err = a.db.ReplacePostMessages(ctx, rec.HistoryID, ids, caption.PostLink(rec.Channel, ids[len(ids)-1]))
		}
		if err != nil {
			a.log.Warn("Failed to update post history", zap.String("post_id", rec.HistoryID), zap.Error(err))
		}
	}

	a.state.Update(userID, func(s *session.Session) {
		if s.LastPost == nil {
			return
		}
		if len(ids) == 0 {
			s.LastPost = nil
			return
		}
		s.LastPost.MessageIDs = ids
		s.LastPost.Files = files
		s.LastPost.Link = caption.PostLink(rec.Channel, ids[len(ids)-1])
	})

	text := fmt.Sprintf("🗑️ <b>Deleted %d post(s).</b>", len(idx)-failed)
	if failed > 0 {
		text += fmt.Sprintf("\n⚠️ %d could not be deleted.", failed)
	}
	if len(ids) == 0 {
		a.editOrSendMenu(userID, msgID, text, nil)
		return
	}
	kb := postedKeyboard(a.state.Get(userID).LastPost)
	a.editOrSendMenu(userID, msgID, text, &kb)
}

// recaptionAll reposts every file with the full anchor captions and removes the old posts.
func (a *App) recaptionAll(ctx context.Context, userID int64, msgID int, rec *session.PostRecord) {
	if rec.Key == "" || rec.Template == "" || len(rec.Files) != len(rec.MessageIDs) {
		a.editOrSendMenu(userID, msgID, "⚠️ <b>Session data missing!</b> Cannot re-caption.", nil)
		return
	}
	caps := caption.ForBatch(rec.Template, rec.Key, rec.Style, len(rec.Files), caption.AnchorLast)
	ids, err := a.sendFiles(rec.Channel, rec.Files, caps)
	if err != nil {
		a.reportPublishError(userID, err)
		return
	}
	for _, id := range rec.MessageIDs {
		_, _ = a.bot.Request(telegram.Delete(rec.Channel, id))
	}
	link := caption.PostLink(rec.Channel, ids[len(ids)-1])
	if rec.HistoryID != "" {
		if err := a.db.ReplacePostMessages(ctx, rec.HistoryID, ids, link); err != nil {
			a.log.Warn("Failed to update post history", zap.String("post_id", rec.HistoryID), zap.Error(err))
		}
	}
	a.state.Update(userID, func(s *session.Session) {
		if s.LastPost != nil {
			s.LastPost.MessageIDs = ids
			s.LastPost.Link = link
		}
		s.ClearBatch()
	})
	kb := postedKeyboard(a.state.Get(userID).LastPost)
	a.editOrSendMenu(userID, msgID, "☑️ <b>All APKs reposted with the updated key caption.</b>\n\nManage your posts below:", &kb)
}

// editCaptions rewrites the captions of the posted messages in place.
func (a *App) editCaptions(userID int64, msgID int, rec *session.PostRecord, policy caption.Policy, done string) {
	if rec.Key == "" || rec.Template == "" {
		a.editOrSendMenu(userID, msgID, "⚠️ <b>Session data missing!</b> Cannot re-caption.", nil)
		return
	}
	caps := caption.ForBatch(rec.Template, rec.Key, rec.Style, len(rec.MessageIDs), policy)
	failed := 0
	for i, id := range rec.MessageIDs {
		_, err := a.bot.Request(telegram.EditCaption(rec.Channel, id, caps[i]))
		if err != nil && !telegram.IsNotModified(err) {
			a.log.Warn("Failed to edit caption", zap.String("channel", rec.Channel), zap.Int("message_id", id), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		done += fmt.Sprintf("\n⚠️ %d caption(s) could not be edited.", failed)
	}
	a.state.Update(userID, func(s *session.Session) { s.ClearBatch() })
	kb := postedKeyboard(rec)
	a.editOrSendMenu(userID, msgID, done, &kb)
}
