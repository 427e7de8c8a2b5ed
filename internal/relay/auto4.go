package relay

import (
	"context"
	"fmt"
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/db"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
	"github.com/Armin-kho/apk-relay-bot/internal/tasks"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

const (
	auto4Task  = "auto4"
	auto4Setup = 4
)

// collect adds a post to the Auto 4 batch and starts the window if it is not running.
func (p *Pipeline) collect(msg *tgbotapi.Message, st store.RelaySetup) {
	src := telegram.ChannelRef(msg.Chat)
	post := postFrom(msg)
	if !st.Enabled {
		p.notify("⚠️ <b>Alert!</b>\n➔ <b>Auto 4 is currently OFF!</b>\n⛔ <b>Processing Declined.</b>")
		p.record(auto4Setup, src, post, db.OutcomeDisabled, "", "", "")
		return
	}
	p.a4mu.Lock()
	defer p.a4mu.Unlock()
	p.state.UpdateAuto4(func(a *store.Auto4State) {
		a.Pending = append(a.Pending, post)
		if a.WaitingSince.IsZero() {
			a.WaitingSince = post.ReceivedAt
		}
	})
	p.log.Debug("Queued Auto 4 post", zap.String("source", src), zap.Int("message_id", msg.MessageID))
	p.startAuto4Locked()
}

// Resume restarts the Auto 4 window for a batch restored from the state snapshot.
func (p *Pipeline) Resume() {
	if len(p.state.Auto4().Pending) > 0 {
		p.log.Info("Resuming pending Auto 4 batch")
		p.a4mu.Lock()
		p.startAuto4Locked()
		p.a4mu.Unlock()
	}
}

// startAuto4Locked starts the window task unless one is live. Callers hold a4mu.
func (p *Pipeline) startAuto4Locked() {
	if p.a4busy && p.tasks.Running(auto4Task) {
		return
	}
	p.a4gen++
	gen := p.a4gen
	p.a4busy = true
	p.tasks.Go(auto4Task, func(ctx context.Context) { p.runAuto4(ctx, gen) })
}

// runAuto4 processes windows until the pending batch is empty. Posts that arrive
// while a batch is being published are picked up by the next loop iteration.
func (p *Pipeline) runAuto4(ctx context.Context, gen int) {
	defer p.releaseAuto4(gen)
	for {
		p.processAuto4(ctx)

		p.a4mu.Lock()
		if ctx.Err() != nil || len(p.state.Auto4().Pending) == 0 {
			if p.a4gen == gen {
				p.a4busy = false
			}
			p.a4mu.Unlock()
			return
		}
		p.a4mu.Unlock()
	}
}

func (p *Pipeline) releaseAuto4(gen int) {
	p.a4mu.Lock()
	if p.a4gen == gen {
		p.a4busy = false
	}
	p.a4mu.Unlock()
}

func (p *Pipeline) processAuto4(ctx context.Context) {
	owner := p.cfg.Owner()
	statusID := p.sendStatus(owner, waitingText("Auto 4", 0))
	if !p.settle(ctx, owner, statusID, "Auto 4", p.opts.Auto4Window) {
		// Keep the batch so it can be resumed after restart.
		return
	}

	var batch []store.PendingPost
	p.state.UpdateAuto4(func(a *store.Auto4State) {
		batch = a.Pending
		*a = store.Auto4State{SetupMode: 1}
	})
	if len(batch) == 0 {
		return
	}
	src := fmt.Sprint(batch[0].ChatID)
	if st, ok := p.cfg.Setup(auto4Setup); ok && st.SourceChannel != "" {
		src = st.SourceChannel
	}

	valid := p.verifyAll(ctx, owner, batch)
	if len(valid) == 0 {
		p.status(owner, statusID, "❌ <b>Auto 4: All APKs deleted. Declined.</b>")
		for _, post := range batch {
			p.record(auto4Setup, src, post, db.OutcomeDeleted, "", "", "")
		}
		return
	}

	mode := 1
	if len(valid) > 1 {
		mode = 2
		if !tasks.Sleep(ctx, p.opts.Auto4KeyDelay) {
			return
		}
	}
	p.state.UpdateAuto4(func(a *store.Auto4State) { a.SetupMode = mode })
	title := fmt.Sprintf("Auto 4 Setup %d", mode)

	st, _ := p.cfg.Setup(auto4Setup)
	key, ok := batchKey(st.KeyMode, valid)
	if !ok {
		p.status(owner, statusID, fmt.Sprintf("❌ <b>%s: No key found in any APK.</b>", title))
		p.record(auto4Setup, src, valid[len(valid)-1], db.OutcomeNoKey, "", "", "")
		return
	}
	if st.DestChannel == "" {
		p.status(owner, statusID, "❌ <b>Auto4: Destination channel or caption missing.</b>")
		p.record(auto4Setup, src, valid[len(valid)-1], db.OutcomeFailed, "destination missing", key, "")
		return
	}

	text := caption.ApplyKey(caption.EnsurePlaceholder(st.DestCaption), key, st.Style)
	if st.Style == caption.StyleQuote {
		text = caption.KeyOnly(key, caption.StyleQuote)
	}

	link := ""
	published := 0
	for _, post := range valid {
		sent, err := p.bot.Send(telegram.Document(st.DestChannel, post.FileID, text))
		if err != nil {
			p.log.Error("Auto 4 publish failed", zap.Int("message_id", post.MessageID), zap.Error(err))
			p.notify(fmt.Sprintf("❌ Failed to send APK: <code>%s</code>", html.EscapeString(err.Error())))
			p.record(auto4Setup, src, post, db.OutcomeFailed, err.Error(), key, "")
			continue
		}
		published++
		if link == "" {
			link = caption.PostLink(st.DestChannel, sent.MessageID)
		}
		p.record(auto4Setup, src, post, db.OutcomeCompleted, title, key, caption.PostLink(st.DestChannel, sent.MessageID))
	}
	if published == 0 {
		p.status(owner, statusID, fmt.Sprintf("❌ <b>%s: nothing was published.</b>", title))
		return
	}

	err := p.cfg.UpdateSetup(auto4Setup, func(s *store.RelaySetup) {
		s.CompletedCount++
		s.ProcessedCount += published
	})
	if err != nil {
		p.log.Error("Failed to save Auto 4 counters", zap.Error(err))
	}
	p.status(owner, statusID, summary(title, src, st.DestChannel, key, link))
	p.log.Info("Auto 4 completed", zap.Int("files", published), zap.Int("mode", mode), zap.String("key", key))
}

// verifyAll forwards every post to the owner and keeps the ones that still exist, in order.
func (p *Pipeline) verifyAll(ctx context.Context, owner int64, batch []store.PendingPost) []store.PendingPost {
	alive := make([]bool, len(batch))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, post := range batch {
		g.Go(func() error {
			_, err := p.bot.Send(tgbotapi.NewForward(owner, post.ChatID, post.MessageID))
			alive[i] = err == nil
			return nil
		})
	}
	_ = g.Wait()

	var out []store.PendingPost
	for i, post := range batch {
		if alive[i] {
			out = append(out, post)
		}
	}
	return out
}

// batchKey looks for one shared key. Multi-file batches are searched newest first.
func batchKey(mode store.KeyMode, posts []store.PendingPost) (string, bool) {
	for i := len(posts) - 1; i >= 0; i-- {
		if k, ok := extract(mode, posts[i].Caption, posts[i].Entities); ok {
			return k, true
		}
	}
	return "", false
}
