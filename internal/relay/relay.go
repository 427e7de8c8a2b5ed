// Package relay watches source channels and reposts APKs under a destination template.
package relay

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/db"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
	"github.com/Armin-kho/apk-relay-bot/internal/tasks"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

const (
	progressSteps = 20
	mb            = 1 << 20
)

// SizeRange bounds a file size in MB, inclusive.
type SizeRange struct {
	Min, Max float64
}

var sizeLimits = map[int]SizeRange{
	1: {Min: 1, Max: 50},
	2: {Min: 80, Max: 2048},
}

// SizeLimit returns the size gate of a setup, if it has one.
func SizeLimit(setup int) (SizeRange, bool) {
	r, ok := sizeLimits[setup]
	return r, ok
}

// SizeAllowed applies the per-setup size gate. Setups without a limit accept anything.
func SizeAllowed(setup int, size int64) bool {
	r, ok := SizeLimit(setup)
	if !ok {
		return true
	}
	v := float64(size) / mb
	return v >= r.Min && v <= r.Max
}

// Recorder stores relay outcomes; *db.DB satisfies it.
type Recorder interface {
	RecordRelay(ctx context.Context, r db.RelayRun) error
}

type Options struct {
	Settle      time.Duration
	Auto4Window time.Duration
	// Auto4KeyDelay is the extra wait before reading keys of a multi-file Auto 4 batch.
	Auto4KeyDelay time.Duration
}

func DefaultOptions() Options {
	return Options{Settle: 20 * time.Second, Auto4Window: 20 * time.Second, Auto4KeyDelay: 3 * time.Second}
}

type Pipeline struct {
	log   *logger.Logger
	bot   telegram.Sender
	cfg   *store.ConfigStore
	state *store.SessionStore
	hist  Recorder
	tasks *tasks.Group
	opts  Options

	// a4mu pairs queueing an Auto 4 post with the decision to start or end the window task.
	a4mu   sync.Mutex
	a4busy bool
	a4gen  int
}

// New builds a pipeline. hist may be nil.
func New(log *logger.Logger, bot telegram.Sender, cfg *store.ConfigStore, state *store.SessionStore, hist Recorder, group *tasks.Group, opts Options) *Pipeline {
	d := DefaultOptions()
	if opts.Settle <= 0 {
		opts.Settle = d.Settle
	}
	if opts.Auto4Window <= 0 {
		opts.Auto4Window = d.Auto4Window
	}
	if opts.Auto4KeyDelay < 0 {
		opts.Auto4KeyDelay = 0
	}
	return &Pipeline{log: log, bot: bot, cfg: cfg, state: state, hist: hist, tasks: group, opts: opts}
}

func postFrom(msg *tgbotapi.Message) store.PendingPost {
	return store.PendingPost{
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		FileID:     msg.Document.FileID,
		FileName:   msg.Document.FileName,
		Size:       int64(msg.Document.FileSize),
		Caption:    msg.Caption,
		Entities:   msg.CaptionEntities,
		ReceivedAt: time.Now(),
	}
}

// Handle routes a channel post to Auto 4 or to Auto 1-3.
// It reports whether the post came from a configured source.
func (p *Pipeline) Handle(msg *tgbotapi.Message) bool {
	if msg == nil || msg.Chat == nil || msg.Document == nil || !telegram.IsAPK(msg.Document.FileName) {
		return false
	}
	src := telegram.ChannelRef(msg.Chat)

	if _, st, ok := p.cfg.MatchSource(msg.Chat.ID, msg.Chat.UserName, 4); ok {
		p.collect(msg, st)
		return true
	}

	n, st, ok := p.cfg.MatchSource(msg.Chat.ID, msg.Chat.UserName, 1, 2, 3)
	if !ok {
		p.log.Debug("Channel post from unknown source", zap.String("source", src))
		return false
	}
	post := postFrom(msg)
	log := p.log.WithFields(zap.Int("setup", n), zap.String("source", src), zap.Int("message_id", msg.MessageID))

	if !st.Enabled {
		log.Info("Relay setup is off, post declined")
		p.notify(fmt.Sprintf("⚠️ <b>Alert!</b>\n➔ <b>Auto %d is currently OFF!</b>\n⛔ <b>Processing Declined.</b>", n))
		p.record(n, src, post, db.OutcomeDisabled, "", "", "")
		return true
	}
	if !SizeAllowed(n, post.Size) {
		log.Info("APK size out of range", zap.Int64("size", post.Size))
		p.notify(fmt.Sprintf("⚠️ <b>Alert!</b>\n➔ <b>APK Size not matched for Auto %d</b>\n⛔ <b>Processing Declined.</b>", n))
		p.record(n, src, post, db.OutcomeSize, fmt.Sprintf("%d bytes", post.Size), "", "")
		return true
	}

	p.tasks.Go(fmt.Sprintf("relay:%d:%d", n, msg.MessageID), func(ctx context.Context) {
		p.run(ctx, n, src, post)
	})
	return true
}

func (p *Pipeline) run(ctx context.Context, n int, src string, post store.PendingPost) {
	owner := p.cfg.Owner()
	title := fmt.Sprintf("Auto %d", n)
	statusID := p.sendStatus(owner, waitingText(title, 0))

	if !p.settle(ctx, owner, statusID, title, p.opts.Settle) {
		return
	}

	if _, err := p.bot.Send(tgbotapi.NewForward(owner, post.ChatID, post.MessageID)); err != nil {
		p.log.Info("Source post deleted during wait", zap.Int("setup", n), zap.Int("message_id", post.MessageID))
		p.status(owner, statusID, fmt.Sprintf("❌ <b>%s Declined</b>\n➔ <b>Message Deleted during wait.</b>", title))
		p.record(n, src, post, db.OutcomeDeleted, err.Error(), "", "")
		return
	}

	// Settings may have changed while waiting.
	st, _ := p.cfg.Setup(n)
	key, ok := extract(st.KeyMode, post.Caption, post.Entities)
	if !ok {
		p.status(owner, statusID, fmt.Sprintf("❌ <b>%s Declined</b>\n➔ <b>Key not extracted.</b>", title))
		p.record(n, src, post, db.OutcomeNoKey, "", "", "")
		return
	}
	if st.DestChannel == "" {
		p.status(owner, statusID, fmt.Sprintf("❌ <b>%s:</b> destination channel missing.", title))
		p.record(n, src, post, db.OutcomeFailed, "destination missing", key, "")
		return
	}

	text := caption.ApplyKey(caption.EnsurePlaceholder(st.DestCaption), key, st.Style)
	doc := telegram.Document(st.DestChannel, post.FileID, text)
	doc.DisableNotification = true
	sent, err := p.bot.Send(doc)
	if err != nil {
		p.log.Error("Relay publish failed", zap.Int("setup", n), zap.Error(err))
		p.status(owner, statusID, fmt.Sprintf("❌ <b>Error Sending APK!</b>\n\n<code>%s</code>", html.EscapeString(err.Error())))
		p.record(n, src, post, db.OutcomeFailed, err.Error(), key, "")
		return
	}

	if _, err := p.cfg.IncrementCompleted(n); err != nil {
		p.log.Error("Failed to save completed count", zap.Int("setup", n), zap.Error(err))
	}
	link := caption.PostLink(st.DestChannel, sent.MessageID)
	p.status(owner, statusID, summary(title, src, st.DestChannel, key, link))
	p.record(n, src, post, db.OutcomeCompleted, "", key, link)
	p.log.Info("Relay completed", zap.Int("setup", n), zap.String("dest", st.DestChannel), zap.String("key", key))
}

func extract(mode store.KeyMode, text string, entities []tgbotapi.MessageEntity) (string, bool) {
	if mode == store.KeyModeManual {
		return caption.ExtractKeyRegex(text)
	}
	return caption.ExtractKey(text, entities)
}

// settle waits d while filling a progress bar. It returns false when ctx ends first.
func (p *Pipeline) settle(ctx context.Context, chatID int64, statusID int, title string, d time.Duration) bool {
	step := d / progressSteps
	for i := 1; i <= progressSteps; i++ {
		if !tasks.Sleep(ctx, step) {
			return false
		}
		p.status(chatID, statusID, waitingText(title, i))
	}
	return true
}

// ProgressBar renders done of total cells.
func ProgressBar(done, total int) string {
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	return fmt.Sprintf("[%s%s] (%d/%d)", strings.Repeat("▰", done), strings.Repeat("▱", total-done), done, total)
}

func waitingText(title string, done int) string {
	return fmt.Sprintf("⏳ <b>%s - Waiting...</b>\n<code>%s</code>", title, ProgressBar(done, progressSteps))
}

func summary(title, src, dest, key, link string) string {
	if link == "" {
		link = "Unavailable"
	}
	return fmt.Sprintf("✅ <b>%s Completed</b>\n├─ 👤 Source : <code>%s</code>\n├─ 🎯 Destination : <code>%s</code>\n├─ 📡 Key : <code>%s</code>\n└─ 🔗 Post Link : <a href=\"%s\">Click Here</a>",
		title, html.EscapeString(src), html.EscapeString(dest), html.EscapeString(key), html.EscapeString(link))
}

func (p *Pipeline) sendStatus(chatID int64, text string) int {
	m, err := p.bot.Send(telegram.HTML(chatID, text))
	if err != nil {
		p.log.Warn("Failed to send relay status", zap.Error(err))
		return 0
	}
	return m.MessageID
}

// status edits the owner's status message, or sends a new one when there is none.
func (p *Pipeline) status(chatID int64, statusID int, text string) {
	if statusID == 0 {
		p.sendStatus(chatID, text)
		return
	}
	_, _ = p.bot.Request(telegram.EditHTML(chatID, statusID, text, nil))
}

func (p *Pipeline) notify(text string) {
	if _, err := p.bot.Send(telegram.HTML(p.cfg.Owner(), text)); err != nil {
		p.log.Warn("Failed to notify owner", zap.Error(err))
	}
}

func (p *Pipeline) record(n int, src string, post store.PendingPost, outcome db.Outcome, detail, key, link string) {
	if p.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.hist.RecordRelay(ctx, db.RelayRun{
		Setup:     n,
		Source:    src,
		MessageID: post.MessageID,
		Outcome:   outcome,
		Detail:    detail,
		Key:       key,
		Link:      link,
	})
	if err != nil {
		p.log.Warn("Failed to record relay run", zap.Error(err))
	}
}
