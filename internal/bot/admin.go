package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/relay"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

func parseUserID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// addUser allow-lists an id and fills in its profile when Telegram knows the chat.
func (a *App) addUser(ownerID int64, arg string) {
	id, ok := parseUserID(arg)
	if !ok {
		a.send(ownerID, "Usage: <code>/adduser 123456789</code>")
		return
	}
	added, err := a.store.Allow(id)
	if err != nil {
		a.log.Error("Failed to allow user", zap.Int64("user_id", id), zap.Error(err))
		a.send(ownerID, "❌ Could not save the allow-list.")
		return
	}
	if !added {
		a.send(ownerID, fmt.Sprintf("ℹ️ User <code>%d</code> is already allowed.", id))
		return
	}

	// Best effort; the user may never have started the bot.
	if chat, err := a.lookupChat(id); err == nil {
		_ = a.store.UpdateProfile(id, func(p *store.Profile) {
			if p.FirstName == "" {
				p.FirstName = chat.FirstName
			}
			if p.Username == "" {
				p.Username = chat.UserName
			}
		})
	}
	a.log.Info("User allowed", zap.Int64("user_id", id))
	a.send(ownerID, fmt.Sprintf("✅ User <code>%d</code> added to the allow-list.", id))
}

func (a *App) lookupChat(id int64) (tgbotapi.Chat, error) {
	resp, err := a.bot.Request(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		return tgbotapi.Chat{}, err
	}
	var chat tgbotapi.Chat
	if err := json.Unmarshal(resp.Result, &chat); err != nil {
		return tgbotapi.Chat{}, err
	}
	return chat, nil
}

func (a *App) removeUser(ownerID int64, arg string) {
	id, ok := parseUserID(arg)
	if !ok {
		a.send(ownerID, "Usage: <code>/removeuser 123456789</code>")
		return
	}
	if a.store.IsOwner(id) {
		a.send(ownerID, "⛔ The owner cannot be removed.")
		return
	}
	removed, err := a.store.Disallow(id)
	if err != nil {
		a.log.Error("Failed to disallow user", zap.Int64("user_id", id), zap.Error(err))
		a.send(ownerID, "❌ Could not save the allow-list.")
		return
	}
	if !removed {
		a.send(ownerID, fmt.Sprintf("ℹ️ User <code>%d</code> was not on the allow-list.", id))
		return
	}
	a.tasks.Cancel(countdownTask(id))
	a.log.Info("User removed", zap.Int64("user_id", id))
	a.send(ownerID, fmt.Sprintf("🗑️ User <code>%d</code> removed.", id))
}

func (a *App) userListText() string {
	ids := a.store.Allowed()
	if len(ids) == 0 {
		return "👥 <b>Allowed users</b>\n\n<i>Nobody yet.</i> Use /adduser &lt;id&gt;."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👥 <b>Allowed users (%d)</b>\n\n", len(ids))
	for i, id := range ids {
		p, _ := a.store.Profile(id)
		fmt.Fprintf(&b, "%d. %s · <code>%d</code>", i+1, html.EscapeString(displayName(p, id)), id)
		if p.Username != "" {
			b.WriteString(" · @" + html.EscapeString(p.Username))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (a *App) sendUserList(ownerID int64) {
	a.send(ownerID, a.userListText())
}

// sendUserStats reports per-operator usage plus the busiest channels of the last 30 days.
func (a *App) sendUserStats(ownerID int64) {
	ids := a.store.Allowed()
	var b strings.Builder
	b.WriteString("📊 <b>USER STATS</b>\n")
	if len(ids) == 0 {
		b.WriteString("\n<i>No allowed users.</i>\n")
	}
	now := time.Now().In(a.cfg.Location())
	for _, id := range ids {
		p, _ := a.store.Profile(id)
		st := a.state.Get(id).Stats
		last := "never"
		if !st.LastUsed.IsZero() {
			last = st.LastUsed.In(now.Location()).Format("02 Jan 15:04")
		}
		fmt.Fprintf(&b, "\n👤 <b>%s</b> (<code>%d</code>)\n", html.EscapeString(displayName(p, id)), id)
		fmt.Fprintf(&b, "   📡 %s\n", html.EscapeString(orDash(p.Channel)))
		fmt.Fprintf(&b, "   📦 %d APKs · 🔐 %d keys · 24h: %d/%d\n", st.APKs, st.Keys, st.Window(session.Daily).APKs, st.Window(session.Daily).Keys)
		fmt.Fprintf(&b, "   🕒 %s · %s\n", last, st.LastMethod.Label())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	top, err := a.db.TopChannels(ctx, now.AddDate(0, 0, -30), 5)
	if err != nil {
		a.log.Warn("Failed to read top channels", zap.Error(err))
	}
	if len(top) > 0 {
		b.WriteString("\n🏆 <b>Top channels (30d)</b>\n")
		for i, c := range top {
			fmt.Fprintf(&b, "%d. %s · %d posts · %d files\n", i+1, html.EscapeString(c.Channel), c.Posts, c.Files)
		}
	}
	a.send(ownerID, b.String())
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %02dh %02dm %02ds", days, h, m, s)
	}
	return fmt.Sprintf("%02dh %02dm %02ds", h, m, s)
}

// sendPing replies with uptime, round trip latency and history totals.
func (a *App) sendPing(userID int64) {
	start := time.Now()
	msgID := a.send(userID, "🏓 Pinging...")
	latency := time.Since(start)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	totals, err := a.db.Totals(ctx)
	if err != nil {
		a.log.Warn("Failed to read totals", zap.Error(err))
	}
	starts, _, _ := a.db.GetMeta(ctx, metaStarts)

	status := "🟢 ONLINE"
	if !a.store.Active() {
		status = "🔴 OFF"
	}
	text := fmt.Sprintf("<pre>┌──── BOT STATUS ────┐\n"+
		"│ Status  : %s\n"+
		"│ Uptime  : %s\n"+
		"│ Latency : %d ms\n"+
		"│ Posts   : %d (%d APKs)\n"+
		"│ Relays  : %d ok / %d skipped\n"+
		"│ Users   : %d\n"+
		"│ Starts  : %s\n"+
		"└────────────────────┘</pre>",
		status, formatUptime(time.Since(a.started)), latency.Milliseconds(),
		totals.Posts, totals.Files, totals.RelaysDone, totals.RelaysFailed,
		len(a.store.Allowed()), orDash(starts))
	a.editOrSendMenu(userID, msgID, text, nil)
}

func settingsKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👥 Users", "st|users"),
			tgbotapi.NewInlineKeyboardButtonData("🛠 Auto Setups", "st|setups"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Add User", "st|add"),
			tgbotapi.NewInlineKeyboardButtonData("➖ Remove User", "st|remove"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💾 Backup", "st|backup"),
			tgbotapi.NewInlineKeyboardButtonData("♻️ Restore", "st|restore"),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔗 Admin Link", "st|adminlink")),
	)
}

func backKeyboard(data string) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔙 Back", data),
	))
	return &kb
}

func (a *App) sendSettings(ownerID int64, msgID int) {
	status := "🟢 On"
	if !a.store.Active() {
		status = "🔴 Off"
	}
	text := fmt.Sprintf("⚙️ <b>SETTINGS</b>\n\n"+
		"Bot: %s\n"+
		"Allowed users: %d\n"+
		"Timezone: <code>%s</code>\n"+
		"Admin link: %s",
		status, len(a.store.Allowed()), a.cfg.Location().String(), html.EscapeString(orDash(a.store.AdminLink())))
	kb := settingsKeyboard()
	a.editOrSendMenu(ownerID, msgID, text, &kb)
}

func (a *App) settingsAction(ownerID int64, msgID int, action string) {
	switch action {
	case "users":
		a.editOrSendMenu(ownerID, msgID, a.userListText(), backKeyboard("st|back"))
	case "setups":
		a.sendAutoMenu(ownerID, msgID)
	case "add", "remove":
		step, verb := session.StepWaitingAllowAdd, "add"
		if action == "remove" {
			step, verb = session.StepWaitingAllowRemove, "remove"
		}
		a.state.Update(ownerID, func(s *session.Session) { s.Await(step, 0) })
		a.editOrSendMenu(ownerID, msgID, "✏️ Send the numeric user id to "+verb+".", backKeyboard("st|back"))
	case "backup":
		a.sendBackup(ownerID)
	case "restore":
		a.promptRestore(ownerID, msgID)
	case "adminlink":
		a.editOrSendMenu(ownerID, msgID, "🔗 <b>Admin link</b>\n\nCurrent: "+html.EscapeString(orDash(a.store.AdminLink()))+
			"\n\nChange it with <code>/setadminlink https://t.me/yourname</code>", backKeyboard("st|back"))
	case "back":
		a.state.Update(ownerID, func(s *session.Session) {
			if s.Step == session.StepWaitingAllowAdd || s.Step == session.StepWaitingAllowRemove {
				s.Idle()
			}
		})
		a.sendSettings(ownerID, msgID)
	}
}

func enabledLabel(on bool) string {
	if on {
		return "🟢 enabled"
	}
	return "🔴 disabled"
}

// sendAutoMenu lists the relay setups.
func (a *App) sendAutoMenu(ownerID int64, msgID int) {
	var b strings.Builder
	b.WriteString("🛠 <b>AUTO RELAY SETUPS</b>\n")
	var rows [][]tgbotapi.InlineKeyboardButton
	for n := 1; n <= store.NumSetups; n++ {
		st, _ := a.store.Setup(n)
		fmt.Fprintf(&b, "\n<b>Auto %d</b> · %s\n   %s ➜ %s · done %d\n", n, enabledLabel(st.Enabled),
			html.EscapeString(orDash(st.SourceChannel)), html.EscapeString(orDash(st.DestChannel)), st.CompletedCount)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("⚙️ Auto %d", n), fmt.Sprintf("as|%d|view", n)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Settings", "st|back")))
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	a.editOrSendMenu(ownerID, msgID, b.String(), &kb)
}

func setupKeyboard(n int) tgbotapi.InlineKeyboardMarkup {
	data := func(verb string) string { return fmt.Sprintf("as|%d|%s", n, verb) }
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📥 Source", data("src")),
			tgbotapi.NewInlineKeyboardButtonData("📤 Destination", data("dest")),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📝 Caption", data("cap")),
			tgbotapi.NewInlineKeyboardButtonData("🔑 Key Mode", data("mode")),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🎨 Style", data("style")),
			tgbotapi.NewInlineKeyboardButtonData("⏯ On/Off", data("toggle")),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("♻️ Reset", data("reset")),
			tgbotapi.NewInlineKeyboardButtonData("🔙 Setups", "st|setups"),
		),
	)
}

func (a *App) setupText(n int) string {
	st, _ := a.store.Setup(n)
	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ <b>Auto %d</b> · %s\n\n", n, enabledLabel(st.Enabled))
	fmt.Fprintf(&b, "📥 Source: <code>%s</code>\n", html.EscapeString(orDash(st.SourceChannel)))
	fmt.Fprintf(&b, "📤 Destination: <code>%s</code>\n", html.EscapeString(orDash(st.DestChannel)))
	fmt.Fprintf(&b, "🔑 Key mode: %s · 🎨 Style: %s\n", st.KeyMode, st.Style)
	if r, ok := relay.SizeLimit(n); ok {
		fmt.Fprintf(&b, "📏 Size: %g - %g MB\n", r.Min, r.Max)
	}
	fmt.Fprintf(&b, "✅ Completed: %d", st.CompletedCount)
	if n == store.NumSetups {
		fmt.Fprintf(&b, " · processed %d", st.ProcessedCount)
	}
	b.WriteString("\n\n📝 Caption:\n")
	if st.DestCaption == "" {
		b.WriteString("<i>not set</i>")
	} else {
		b.WriteString("<code>" + html.EscapeString(st.DestCaption) + "</code>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	runs, err := a.db.RecentRelays(ctx, n, 3)
	if err != nil {
		a.log.Warn("Failed to read relay history", zap.Int("setup", n), zap.Error(err))
	}
	if len(runs) > 0 {
		b.WriteString("\n\n🕘 <b>Recent</b>\n")
		for _, r := range runs {
			fmt.Fprintf(&b, "• %s %s #%d\n", r.CreatedAt.In(a.cfg.Location()).Format("02 Jan 15:04"), r.Outcome, r.MessageID)
		}
	}
	return b.String()
}

// setupAction handles as|<n>|<verb> callbacks.
func (a *App) setupAction(ownerID int64, msgID int, args []string) {
	if len(args) < 2 {
		a.sendAutoMenu(ownerID, msgID)
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > store.NumSetups {
		a.sendAutoMenu(ownerID, msgID)
		return
	}

	prompt := func(step session.Step, text string) {
		a.state.Update(ownerID, func(s *session.Session) { s.Await(step, n) })
		a.editOrSendMenu(ownerID, msgID, text, backKeyboard(fmt.Sprintf("as|%d|view", n)))
	}
	update := func(fn func(st *store.RelaySetup)) {
		if err := a.store.UpdateSetup(n, fn); err != nil {
			a.log.Error("Failed to update setup", zap.Int("setup", n), zap.Error(err))
			a.send(ownerID, "❌ Could not save the setup.")
			return
		}
		a.showSetup(ownerID, msgID, n)
	}

	switch args[1] {
	case "view":
		a.state.Update(ownerID, func(s *session.Session) {
			if s.Step.SetupScoped() {
				s.Idle()
			}
		})
		a.showSetup(ownerID, msgID, n)
	case "src":
		prompt(session.StepWaitingSource, fmt.Sprintf("📥 Send the source channel for Auto %d (<code>@channel</code> or <code>-100…</code>).", n))
	case "dest":
		prompt(session.StepWaitingDest, fmt.Sprintf("📤 Send the destination channel for Auto %d.", n))
	case "cap":
		prompt(session.StepWaitingDestCaption, fmt.Sprintf("📝 Send the destination caption for Auto %d. Include <code>Key -</code>.", n))
	case "mode":
		update(func(st *store.RelaySetup) {
			if st.KeyMode == store.KeyModeManual {
				st.KeyMode = store.KeyModeAuto
			} else {
				st.KeyMode = store.KeyModeManual
			}
		})
	case "style":
		update(func(st *store.RelaySetup) {
			if st.Style == caption.StyleQuote {
				st.Style = caption.StyleMono
			} else {
				st.Style = caption.StyleQuote
			}
		})
	case "toggle":
		update(func(st *store.RelaySetup) { st.Enabled = !st.Enabled })
	case "reset":
		if err := a.store.ResetSetup(n); err != nil {
			a.log.Error("Failed to reset setup", zap.Int("setup", n), zap.Error(err))
			return
		}
		a.showSetup(ownerID, msgID, n)
	}
}

func (a *App) showSetup(ownerID int64, msgID, n int) {
	kb := setupKeyboard(n)
	a.editOrSendMenu(ownerID, msgID, a.setupText(n), &kb)
}

// receiveSetupField stores a typed source, destination or caption for setup n.
func (a *App) receiveSetupField(ownerID int64, step session.Step, n int, text string) {
	if n < 1 || n > store.NumSetups {
		a.state.Update(ownerID, func(s *session.Session) { s.Idle() })
		return
	}
	switch step {
	case session.StepWaitingSource, session.StepWaitingDest:
		if err := store.ValidateChannel(text); err != nil {
			a.send(ownerID, "❌ <b>Invalid channel.</b>\nUse <code>@channel</code> or <code>-100xxxxxxxxxx</code>.")
			return
		}
		ch := strings.TrimSpace(text)
		if step == session.StepWaitingDest {
			if ok, err := telegram.IsChannelAdmin(a.bot, ch, a.self.ID); err != nil || !ok {
				a.send(ownerID, "❌ <b>I am not an admin of that channel.</b>\nAdd the bot as admin and send it again.")
				return
			}
		}
		err := a.store.UpdateSetup(n, func(st *store.RelaySetup) {
			if step == session.StepWaitingSource {
				st.SourceChannel = ch
			} else {
				st.DestChannel = ch
			}
		})
		if err != nil {
			a.log.Error("Failed to update setup", zap.Int("setup", n), zap.Error(err))
			return
		}
	case session.StepWaitingDestCaption:
		if err := caption.ValidateTemplate(text); err != nil {
			a.send(ownerID, "❌ <b>Invalid Caption!</b>\nIt must contain the <code>Key -</code> placeholder.")
			return
		}
		if err := a.store.UpdateSetup(n, func(st *store.RelaySetup) { st.DestCaption = strings.TrimSpace(text) }); err != nil {
			a.log.Error("Failed to update setup", zap.Int("setup", n), zap.Error(err))
			return
		}
	default:
		return
	}
	a.state.Update(ownerID, func(s *session.Session) { s.Idle() })
	a.log.Info("Relay setup updated", zap.Int("setup", n), zap.String("field", step.String()))
	a.showSetup(ownerID, 0, n)
}
