package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

var (
	ownerKeyboard = tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("UserStats")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Userlist"), tgbotapi.NewKeyboardButton("Help")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Ping"), tgbotapi.NewKeyboardButton("Rules")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Reset"), tgbotapi.NewKeyboardButton("Settings")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Broadcast")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("On"), tgbotapi.NewKeyboardButton("Off")),
	)
	operatorKeyboard = tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Channel")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Caption")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Viewsetup")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Help"), tgbotapi.NewKeyboardButton("Reset")),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("Ping"), tgbotapi.NewKeyboardButton("Rules")),
	)
)

func (a *App) keyboardFor(userID int64) tgbotapi.ReplyKeyboardMarkup {
	if a.store.IsOwner(userID) {
		return ownerKeyboard
	}
	return operatorKeyboard
}

func (a *App) handleMessage(msg tgbotapi.Message) {
	// Only private chats drive the operator flows; channel posts arrive separately.
	if msg.Chat == nil || msg.From == nil || msg.Chat.Type != "private" {
		return
	}
	userID := msg.From.ID
	if err := a.store.TouchProfile(userID, msg.From.FirstName, msg.From.UserName); err != nil {
		a.log.Warn("Failed to save profile", zap.Int64("user_id", userID), zap.Error(err))
	}

	isOwner := a.store.IsOwner(userID)
	if isOwner && a.captureBroadcast(msg) {
		return
	}
	if !a.store.IsAuthorized(userID) {
		a.log.Info("Unauthorized access", zap.Int64("user_id", userID), zap.String("username", msg.From.UserName))
		a.sendUnauthorized(userID)
		return
	}
	if !isOwner && !a.store.Active() {
		a.send(userID, "🚫 The bot is currently turned off by the admin.")
		return
	}

	switch {
	case msg.Document != nil:
		a.handleDocument(msg)
	case msg.IsCommand():
		a.handleCommand(msg)
	case strings.TrimSpace(msg.Text) != "":
		a.handleText(msg)
	}
}

func (a *App) sendUnauthorized(userID int64) {
	link := a.store.AdminLink()
	text := "⛔️ <b>Unauthorized Access</b>\n" +
		"━━━━━━━━━━━━━━━━━━━━━━\n" +
		"You are not whitelisted to use this system.\n" +
		"Access is restricted to approved users only.\n" +
		"🛡️ <i>Your activity has been logged.</i>"
	if link == "" {
		a.send(userID, text)
		return
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonURL("📩 Request Access", link),
	))
	a.sendMarkup(userID, text, kb)
}

func (a *App) handleDocument(msg tgbotapi.Message) {
	userID := msg.From.ID
	doc := msg.Document
	sess := a.state.Get(userID)

	if a.store.IsOwner(userID) && sess.AwaitingZip {
		a.receiveRestore(userID, *doc)
		return
	}
	if !telegram.IsAPK(doc.FileName) {
		a.send(userID, "⛔️ <b>Invalid File Detected</b>\n"+
			"This system accepts <b>APK</b> files only.\n\n"+
			"📄 <b>File Name:</b> <code>"+html.EscapeString(doc.FileName)+"</code>\n"+
			"🚫 <b>Status:</b> Rejected")
		return
	}

	switch sess.Method {
	case session.MethodOne:
		a.receiveMethodOne(msg)
	case session.MethodTwo:
		a.receiveMethodTwo(msg)
	default:
		kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⚡ Choose Method", "m|menu"),
		))
		a.sendMarkup(userID, "⚠️ <b>You didn't select any Method yet!</b>\n\nPlease select Method 1 or Method 2 first.", kb)
	}
}

func (a *App) handleCommand(msg tgbotapi.Message) {
	userID := msg.From.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch strings.ToLower(msg.Command()) {
	case "start":
		a.startSession(userID, msg.From.FirstName)
	case "help":
		a.sendHelp(userID)
	case "rules":
		a.sendRules(userID)
	case "ping", "status":
		a.sendPing(userID)
	case "viewsetup":
		a.sendViewSetup(userID)
	case "setchannelid":
		a.promptChannel(userID)
	case "setcaption":
		a.promptCaption(userID)
	case "resetcaption":
		a.clearProfileField(userID, false)
	case "resetchannelid":
		a.clearProfileField(userID, true)
	case "reset":
		a.resetUser(userID)
	case "cancel":
		a.cancelFlows(userID)
		a.send(userID, "✅ Cancelled.")
	case "adduser":
		if a.ownerOnly(userID) {
			a.addUser(userID, args)
		}
	case "removeuser":
		if a.ownerOnly(userID) {
			a.removeUser(userID, args)
		}
	case "userlist":
		if a.ownerOnly(userID) {
			a.sendUserList(userID)
		}
	case "userstats":
		if a.ownerOnly(userID) {
			a.sendUserStats(userID)
		}
	case "on", "off":
		if a.ownerOnly(userID) {
			a.setActive(userID, strings.EqualFold(msg.Command(), "on"))
		}
	case "settings":
		if a.ownerOnly(userID) {
			a.sendSettings(userID, 0)
		}
	case "backup":
		if a.ownerOnly(userID) {
			a.sendBackup(userID)
		}
	case "restore":
		if a.ownerOnly(userID) {
			a.promptRestore(userID, 0)
		}
	case "broadcast":
		if a.ownerOnly(userID) {
			a.startBroadcast(userID)
		}
	case "setadminlink":
		if a.ownerOnly(userID) {
			a.setAdminLink(userID, args)
		}
	default:
		a.send(userID, "❓ Unknown command. Try /help.")
	}
}

// ownerOnly reports whether userID is the owner and tells everyone else off.
func (a *App) ownerOnly(userID int64) bool {
	if a.store.IsOwner(userID) {
		return true
	}
	a.send(userID, "⛔ This action is reserved for the bot owner.")
	return false
}

func (a *App) handleText(msg tgbotapi.Message) {
	userID := msg.From.ID
	text := strings.TrimSpace(msg.Text)
	sess := a.state.Get(userID)

	switch sess.Step {
	case session.StepWaitingChannel:
		a.receiveChannel(userID, text)
		return
	case session.StepWaitingCaption:
		a.receiveCaption(userID, text)
		return
	case session.StepWaitingNewCaption:
		a.receivePanelCaption(userID, text)
		return
	case session.StepWaitingKey:
		a.receiveKey(userID, text)
		return
	case session.StepWaitingSource, session.StepWaitingDest, session.StepWaitingDestCaption:
		if a.store.IsOwner(userID) {
			a.receiveSetupField(userID, sess.Step, sess.Setup, text)
			return
		}
	case session.StepWaitingAllowAdd, session.StepWaitingAllowRemove:
		if a.store.IsOwner(userID) {
			a.state.Update(userID, func(s *session.Session) { s.Idle() })
			if sess.Step == session.StepWaitingAllowAdd {
				a.addUser(userID, text)
			} else {
				a.removeUser(userID, text)
			}
			return
		}
	}

	if a.handleMenuButton(msg.From, strings.ToLower(text)) {
		return
	}
	a.send(userID, "ℹ️ Send an APK file, or use /start to choose a method.")
}

// handleMenuButton maps reply keyboard labels to their commands.
func (a *App) handleMenuButton(from *tgbotapi.User, label string) bool {
	userID := from.ID
	isOwner := a.store.IsOwner(userID)
	switch label {
	case "ping":
		a.sendPing(userID)
	case "help":
		a.sendHelp(userID)
	case "rules":
		a.sendRules(userID)
	case "reset":
		a.resetUser(userID)
	case "viewsetup":
		a.sendViewSetup(userID)
	case "channel":
		p, _ := a.store.Profile(userID)
		a.send(userID, "<b>📡 CHANNEL INFO</b>\n<b>📎 Current:</b> <code>"+html.EscapeString(orDash(p.Channel))+"</code>")
	case "caption":
		p, _ := a.store.Profile(userID)
		if p.Caption == "" {
			a.send(userID, "<b>📝 CAPTION TEMPLATE</b>\n<i>No caption set.</i>")
		} else {
			a.send(userID, "<b>📝 CAPTION TEMPLATE</b>\n\n<code>"+html.EscapeString(p.Caption)+"</code>")
		}
	case "userlist", "userstats", "settings", "broadcast", "on", "off":
		if !isOwner {
			return false
		}
		switch label {
		case "userlist":
			a.sendUserList(userID)
		case "userstats":
			a.sendUserStats(userID)
		case "settings":
			a.sendSettings(userID, 0)
		case "broadcast":
			a.startBroadcast(userID)
		default:
			a.setActive(userID, label == "on")
		}
	default:
		return false
	}
	return true
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}

func displayName(p store.Profile, id int64) string {
	switch {
	case p.FirstName != "":
		return p.FirstName
	case p.Username != "":
		return "@" + p.Username
	default:
		return strconv.FormatInt(id, 10)
	}
}

// startSession clears any running wizard and shows the method menu.
func (a *App) startSession(userID int64, firstName string) {
	a.cancelFlows(userID)
	a.state.Update(userID, func(s *session.Session) {
		s.Reset()
		s.Step = session.StepSelectingMethod
	})
	if firstName == "" {
		firstName = "User"
	}
	text := "<pre>" +
		"┌── Automated Intelligence Panel ──┐\n" +
		"│ 🤖 Status : SYSTEM ONLINE\n" +
		"│ 👤 User   : " + html.EscapeString(firstName) + "\n" +
		"│ 🔐 Access : Verified User\n" +
		"│ 📦 Modes  :\n" +
		"│   ▸ Method 1 - Single APK\n" +
		"│   ▸ Method 2 - Multi APK + Key\n" +
		"│\n" +
		"│ 🔁 You can switch methods anytime.\n" +
		"└───────────────────────────────────┘</pre>"
	a.sendMarkup(userID, text, a.methodKeyboard(userID))
}

func (a *App) methodKeyboard(userID int64) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⚡ Method 1", "m|1")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🚀 Method 2", "m|2")),
	}
	if a.store.IsOwner(userID) {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🛠 Method 3", "m|3")))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// selectMethod handles the m|<n> callbacks.
func (a *App) selectMethod(userID int64, msgID int, arg string) {
	switch arg {
	case "1":
		a.cancelFlows(userID)
		a.state.Update(userID, func(s *session.Session) { s.SelectMethod(session.MethodOne) })
		a.editOrSendMenu(userID, msgID, "⚡ <b>Method 1 selected.</b>\nSend one APK. The key is read from its caption, or asked for.", nil)
	case "2":
		a.cancelFlows(userID)
		a.state.Update(userID, func(s *session.Session) { s.SelectMethod(session.MethodTwo) })
		a.editOrSendMenu(userID, msgID, fmt.Sprintf("🚀 <b>Method 2 selected.</b>\nSend up to %d APKs, then one key for all of them.", session.MaxBatch), nil)
	case "3":
		if !a.store.IsOwner(userID) {
			return
		}
		a.state.Update(userID, func(s *session.Session) { s.SelectMethod(session.MethodAuto) })
		a.sendAutoMenu(userID, msgID)
	default:
		kb := a.methodKeyboard(userID)
		a.editOrSendMenu(userID, msgID, "⚙️ <b>Choose a method:</b>", &kb)
	}
}

func (a *App) sendHelp(userID int64) {
	var text string
	if a.store.IsOwner(userID) {
		text = "<b>🧰 BOT CONTROL PANEL – OWNER ACCESS</b>\n\n" +
			"<b>📌 Core</b>\n" +
			"• /start — Restart session\n" +
			"• /ping — Uptime and totals\n" +
			"• /rules — Usage policy\n\n" +
			"<b>📤 Upload Configuration</b>\n" +
			"• /setchannelid — Set target channel\n" +
			"• /setcaption — Set caption template\n" +
			"• /resetcaption — Clear caption\n" +
			"• /resetchannelid — Clear channel\n" +
			"• /reset — Full reset\n\n" +
			"<b>👥 Access Control</b>\n" +
			"• /adduser &lt;id&gt; — Grant access\n" +
			"• /removeuser &lt;id&gt; — Revoke access\n" +
			"• /userlist — Allowed users\n" +
			"• /userstats — Usage of every operator\n\n" +
			"<b>🛠 Admin</b>\n" +
			"• /on, /off — Toggle the bot\n" +
			"• /settings — Settings panel\n" +
			"• /backup, /restore — Config archive\n" +
			"• /broadcast — Message every user\n" +
			"• /setadminlink &lt;url&gt; — Access request link"
	} else {
		text = "<b>🧩 USER MENU</b>\n\n" +
			"<b>🔧 Essentials</b>\n" +
			"• /start — Start interaction\n" +
			"• /ping — Bot status\n" +
			"• /rules — Usage guidelines\n\n" +
			"<b>⚙️ Settings</b>\n" +
			"• /setchannelid — Set your upload channel\n" +
			"• /setcaption — Set your caption\n" +
			"• /resetchannelid — Reset channel\n" +
			"• /resetcaption — Reset caption\n" +
			"• /reset — Reset all settings"
	}
	a.sendMarkup(userID, text, a.keyboardFor(userID))
}

func (a *App) sendRules(userID int64) {
	a.send(userID, "🧬 <b>ACCESS LEVEL:</b> <code>OPERATOR</code>\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━\n"+
		"⚠️ <b>Rule 01:</b> <code>No spamming</code>\n"+
		"⚠️ <b>Rule 02:</b> <code>No flooding commands</code>\n"+
		"⚠️ <b>Rule 03:</b> <code>Violators = Immediate lockdown</code>\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━")
}

func (a *App) sendViewSetup(userID int64) {
	p, _ := a.store.Profile(userID)
	st := a.state.Get(userID).Stats
	saved := "NoT !"
	if p.Caption != "" {
		saved = "SaveD !"
	}
	channel := p.Channel
	if channel == "" {
		channel = "NoT !"
	}
	text := fmt.Sprintf("<pre>┌────── SYSTEM STATUS ──────┐\n"+
		"User ID     : %d\n"+
		"Uplink Key  : ✅ AUTHORIZED\n"+
		"├───────────────────────────┤\n"+
		" Channel : %s\n"+
		" Caption : %s\n"+
		"├───────────────────────────┤\n"+
		"🔢 Total Keys     : %d Injected\n"+
		"📦 APKs Processed : %d Delivered\n"+
		"└────── END OF REPORT ──────┘</pre>",
		userID, html.EscapeString(channel), saved, st.Keys, st.APKs)
	a.send(userID, text)
}

func (a *App) promptChannel(userID int64) {
	a.state.Update(userID, func(s *session.Session) { s.Await(session.StepWaitingChannel, 0) })
	a.send(userID, "🔧 <b>Setup Time!</b>\n"+
		"Send me your Channel ID now. 📡\n"+
		"Format: <code>@yourchannel</code> or <code>-100xxxxxxxxxx</code>\n\n"+
		"⚠️ Make sure the bot is added as ADMIN in that channel!")
}

func (a *App) promptCaption(userID int64) {
	a.state.Update(userID, func(s *session.Session) { s.Await(session.StepWaitingCaption, 0) })
	a.send(userID, "📝 <b>Caption Time!</b>\nSend me your caption including the placeholder <code>Key -</code> 🔑")
}

func (a *App) receiveChannel(userID int64, text string) {
	if err := store.ValidateChannel(text); err != nil {
		a.send(userID, "❌ <b>Invalid channel.</b>\nUse <code>@yourchannel</code> or <code>-100xxxxxxxxxx</code>.")
		return
	}
	ok, err := telegram.IsChannelAdmin(a.bot, text, a.self.ID)
	if err != nil || !ok {
		a.log.Info("Bot is not admin of channel", zap.Int64("user_id", userID), zap.String("channel", text), zap.Error(err))
		a.send(userID, "❌ <b>I am not an admin of that channel.</b>\nAdd the bot as admin and send the ID again.")
		return
	}
	if err := a.store.SetChannel(userID, text); err != nil {
		a.log.Error("Failed to save channel", zap.Int64("user_id", userID), zap.Error(err))
		a.send(userID, "❌ Could not save the channel. Try again.")
		return
	}
	a.state.Update(userID, func(s *session.Session) { s.Idle() })
	a.send(userID, "✅ <b>Channel saved:</b> <code>"+html.EscapeString(strings.TrimSpace(text))+"</code>")
}

func (a *App) receiveCaption(userID int64, text string) {
	if err := a.store.SetCaption(userID, text); err != nil {
		if errors.Is(err, caption.ErrNoPlaceholder) {
			a.send(userID, "❌ <b>Invalid Caption!</b>\nIt must contain the <code>Key -</code> placeholder.")
			return
		}
		a.log.Error("Failed to save caption", zap.Int64("user_id", userID), zap.Error(err))
		a.send(userID, "❌ Could not save the caption. Try again.")
		return
	}
	a.state.Update(userID, func(s *session.Session) { s.Idle() })
	a.send(userID, "✅ <b>Caption saved!</b>")
}

func (a *App) clearProfileField(userID int64, channel bool) {
	err := a.store.UpdateProfile(userID, func(p *store.Profile) {
		if channel {
			p.Channel = ""
		} else {
			p.Caption = ""
		}
	})
	if err != nil {
		a.log.Error("Failed to clear profile field", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if channel {
		a.send(userID, "📡 <b>Channel ID wiped!</b>\nSet a new one with /setchannelid 🛠️")
	} else {
		a.send(userID, "🧼 <b>Caption Cleared!</b>\nUse /setcaption to set a new one 🎯")
	}
}

// resetUser clears the operator's channel and caption and starts a fresh session.
func (a *App) resetUser(userID int64) {
	a.cancelFlows(userID)
	if err := a.store.UpdateProfile(userID, func(p *store.Profile) {
		p.Channel = ""
		p.Caption = ""
	}); err != nil {
		a.log.Error("Failed to reset profile", zap.Int64("user_id", userID), zap.Error(err))
	}
	a.state.Reset(userID)
	a.sendMarkup(userID, "🧹 <b>Your data was cleaned!</b>\nNo more caption or channel. 🚮\nReady to set up. 🚀", a.keyboardFor(userID))
}

// cancelFlows stops the countdown and any pending owner wizard of userID.
func (a *App) cancelFlows(userID int64) {
	a.tasks.Cancel(countdownTask(userID))
	a.state.Update(userID, func(s *session.Session) {
		s.AwaitingZip = false
		s.PendingRestore = ""
		if s.Step != session.StepIdle {
			s.Idle()
		}
	})
	if a.store.IsOwner(userID) {
		a.clearBroadcast()
	}
}

func (a *App) setActive(userID int64, on bool) {
	if err := a.store.SetActive(on); err != nil {
		a.log.Error("Failed to toggle bot", zap.Error(err))
		a.send(userID, "❌ Could not save the setting.")
		return
	}
	a.log.Info("Bot active flag changed", zap.Bool("active", on))
	if on {
		a.send(userID, "✅ Bot is now active. Users can interact again.")
	} else {
		a.send(userID, "⛔ Bot is now inactive. User interaction is disabled.")
	}
}

func (a *App) setAdminLink(userID int64, link string) {
	if link == "" {
		a.send(userID, "Usage: <code>/setadminlink https://t.me/yourname</code>\nCurrent: "+html.EscapeString(orDash(a.store.AdminLink())))
		return
	}
	if !strings.HasPrefix(link, "https://") && !strings.HasPrefix(link, "tg://") {
		a.send(userID, "❌ The link must start with https:// or tg://")
		return
	}
	if err := a.store.SetAdminLink(link); err != nil {
		a.log.Error("Failed to save admin link", zap.Error(err))
		return
	}
	a.send(userID, "✅ Admin link updated.")
}

func (a *App) handleCallback(q tgbotapi.CallbackQuery) {
	if q.From == nil || q.Message == nil {
		return
	}
	userID := q.From.ID
	if !a.store.IsAuthorized(userID) {
		_, _ = a.bot.Request(tgbotapi.NewCallback(q.ID, "🚫 Unauthorized"))
		return
	}
	if !a.allow(userID) {
		_, _ = a.bot.Request(tgbotapi.NewCallback(q.ID, "⏳ Slow down"))
		return
	}
	// Always answer callback to remove spinner
	_, _ = a.bot.Request(tgbotapi.NewCallback(q.ID, ""))

	if !a.store.IsOwner(userID) && !a.store.Active() {
		a.send(userID, "🚫 The bot is currently turned off by the admin.")
		return
	}

	msgID := q.Message.MessageID
	parts := strings.Split(q.Data, "|")
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	ctx := context.Background()

	switch parts[0] {
	case "m":
		a.selectMethod(userID, msgID, arg)
	case "cd":
		a.countdownAction(userID, arg)
	case "p":
		a.panelAction(ctx, userID, msgID, arg)
	case "mg":
		a.manageAction(ctx, userID, msgID, parts[1:])
	case "bc", "st", "as", "rs":
		if !a.store.IsOwner(userID) {
			return
		}
		switch parts[0] {
		case "bc":
			a.broadcastAction(ctx, userID, msgID, arg)
		case "st":
			a.settingsAction(userID, msgID, arg)
		case "as":
			a.setupAction(userID, msgID, parts[1:])
		case "rs":
			a.restoreAction(ctx, userID, msgID, arg)
		}
	}
}
