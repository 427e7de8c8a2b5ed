package main

import (
	"context"
	"fmt"
	"html"
	"time"

	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/tasks"
)

// supervisor restarts the polling loop after crashes and tells the owner,
// at most once per cooldown.
type supervisor struct {
	log      *logger.Logger
	delay    time.Duration
	cooldown time.Duration
	notify   func(text string)

	now        func() time.Time
	lastNotify time.Time
}

func newSupervisor(log *logger.Logger, delay, cooldown time.Duration, notify func(string)) *supervisor {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &supervisor{log: log, delay: delay, cooldown: cooldown, notify: notify, now: time.Now}
}

// Run calls fn until ctx is cancelled.
func (s *supervisor) Run(ctx context.Context, fn func(ctx context.Context) error) {
	for ctx.Err() == nil {
		err := s.call(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("polling stopped")
		}
		s.log.Error("Bot crashed, restarting", zap.Error(err), zap.Duration("delay", s.delay))
		s.report(err)
		if !tasks.Sleep(ctx, s.delay) {
			return
		}
	}
}

func (s *supervisor) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *supervisor) report(err error) {
	now := s.now()
	if !s.lastNotify.IsZero() && now.Sub(s.lastNotify) < s.cooldown {
		return
	}
	s.lastNotify = now
	if s.notify != nil {
		s.notify("⚠️ <b>Bot crashed and is restarting</b>\n\n<code>" + html.EscapeString(err.Error()) + "</code>")
	}
}
