package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

// broadcastWorkers bounds concurrent sends; Telegram allows about 30 messages per second.
const broadcastWorkers = 8

type broadcastSession struct {
	Awaiting bool
	Payload  *tgbotapi.Message
}

// BroadcastResult tallies one broadcast run.
type BroadcastResult struct {
	Delivered []int64
	Blocked   []int64
	Errored   map[int64]string
}

func (r BroadcastResult) Failed() int { return len(r.Blocked) + len(r.Errored) }

func (a *App) startBroadcast(ownerID int64) {
	a.bcMu.Lock()
	a.bc = &broadcastSession{Awaiting: true}
	a.bcMu.Unlock()
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("❌ Cancel", "bc|no"),
	))
	a.sendMarkup(ownerID, "📢 <b>Broadcast</b>\n\nSend the message to broadcast: text, photo, video or document.", kb)
}

func (a *App) clearBroadcast() {
	a.bcMu.Lock()
	a.bc = nil
	a.bcMu.Unlock()
}

// captureBroadcast takes the owner's next message as the broadcast payload.
func (a *App) captureBroadcast(msg tgbotapi.Message) bool {
	a.bcMu.Lock()
	if a.bc == nil || !a.bc.Awaiting {
		a.bcMu.Unlock()
		return false
	}
	if msg.IsCommand() {
		a.bc = nil
		a.bcMu.Unlock()
		return false
	}
	if broadcastConfig(msg, 0) == nil {
		a.bcMu.Unlock()
		a.send(msg.From.ID, "⚠️ Only text, photo, video or document messages can be broadcast.")
		return true
	}
	m := msg
	a.bc.Awaiting = false
	a.bc.Payload = &m
	a.bcMu.Unlock()

	n := len(a.broadcastTargets())
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Send", "bc|yes"),
		tgbotapi.NewInlineKeyboardButtonData("❌ Cancel", "bc|no"),
	))
	a.sendMarkup(msg.From.ID, fmt.Sprintf("📢 Send this message to <b>%d</b> users?", n), kb)
	return true
}

// broadcastConfig rebuilds msg for chatID, or returns nil for unsupported kinds.
func broadcastConfig(msg tgbotapi.Message, chatID int64) tgbotapi.Chattable {
	switch {
	case len(msg.Photo) > 0:
		p := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(msg.Photo[len(msg.Photo)-1].FileID))
		p.Caption = msg.Caption
		p.CaptionEntities = msg.CaptionEntities
		return p
	case msg.Video != nil:
		v := tgbotapi.NewVideo(chatID, tgbotapi.FileID(msg.Video.FileID))
		v.Caption = msg.Caption
		v.CaptionEntities = msg.CaptionEntities
		return v
	case msg.Document != nil:
		d := tgbotapi.NewDocument(chatID, tgbotapi.FileID(msg.Document.FileID))
		d.Caption = msg.Caption
		d.CaptionEntities = msg.CaptionEntities
		return d
	case msg.Text != "":
		m := tgbotapi.NewMessage(chatID, msg.Text)
		m.Entities = msg.Entities
		return m
	}
	return nil
}

// broadcastTargets is every known or allowed user except the owner.
func (a *App) broadcastTargets() []int64 {
	owner := a.store.Owner()
	seen := map[int64]bool{owner: true}
	var out []int64
	for _, ids := range [][]int64{a.store.KnownUsers(), a.store.Allowed()} {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func (a *App) broadcastAction(ctx context.Context, ownerID int64, msgID int, action string) {
	a.bcMu.Lock()
	bc := a.bc
	a.bc = nil
	a.bcMu.Unlock()

	if action != "yes" || bc == nil || bc.Payload == nil {
		a.editOrSendMenu(ownerID, msgID, "❌ Broadcast cancelled.", nil)
		return
	}
	a.editOrSendMenu(ownerID, msgID, "📤 Broadcasting...", nil)
	res := a.broadcast(ctx, *bc.Payload, a.broadcastTargets())
	a.send(ownerID, a.broadcastSummary(res))
}

// broadcast fans msg out to targets and sorts every outcome.
func (a *App) broadcast(ctx context.Context, msg tgbotapi.Message, targets []int64) BroadcastResult {
	res := BroadcastResult{Errored: map[int64]string{}}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastWorkers)
	for _, id := range targets {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			_, err := a.bot.Send(broadcastConfig(msg, id))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Delivered = append(res.Delivered, id)
			case telegram.IsBlocked(err):
				res.Blocked = append(res.Blocked, id)
			default:
				res.Errored[id] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	a.log.Info("Broadcast finished",
		zap.Int("delivered", len(res.Delivered)),
		zap.Int("blocked", len(res.Blocked)),
		zap.Int("errored", len(res.Errored)),
	)
	return res
}

const summaryLines = 5

func (a *App) broadcastSummary(res BroadcastResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📢 <b>Broadcast complete</b>\n\n✅ Delivered: %d\n❌ Failed: %d\n", len(res.Delivered), res.Failed())

	if len(res.Blocked) > 0 {
		b.WriteString("\n🚫 <b>Blocked</b>\n")
		for i, id := range res.Blocked {
			if i == summaryLines {
				fmt.Fprintf(&b, "… and %d more\n", len(res.Blocked)-summaryLines)
				break
			}
			p, _ := a.store.Profile(id)
			fmt.Fprintf(&b, "• %s (<code>%d</code>)\n", html.EscapeString(displayName(p, id)), id)
		}
	}
	if len(res.Errored) > 0 {
		b.WriteString("\n⚠️ <b>Errors</b>\n")
		i := 0
		for id, e := range res.Errored {
			if i == summaryLines {
				fmt.Fprintf(&b, "… and %d more\n", len(res.Errored)-summaryLines)
				break
			}
			fmt.Fprintf(&b, "• <code>%d</code>: %s\n", id, html.EscapeString(e))
			i++
		}
	}
	return b.String()
}
