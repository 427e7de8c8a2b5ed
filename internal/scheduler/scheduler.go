// Package scheduler pushes the rolling usage reports and resets their counters.
package scheduler

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
)

// Notifier delivers a report to one operator.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Schedules in the configured timezone. The monthly entry fires on days 28-31
// and only runs when the next day starts a new month.
var schedules = map[session.Window]string{
	session.SixHourly: "0 2,8,14 * * *",
	session.Daily:     "0 20 * * *",
	session.Weekly:    "0 10 * * 0",
	session.Monthly:   "0 22 28-31 * *",
}

type Scheduler struct {
	log    *logger.Logger
	cfg    *store.ConfigStore
	state  *store.SessionStore
	notify Notifier
	loc    *time.Location
	cron   *cron.Cron
	now    func() time.Time
}

func New(log *logger.Logger, cfg *store.ConfigStore, state *store.SessionStore, notifier Notifier, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		log:    log,
		cfg:    cfg,
		state:  state,
		notify: notifier,
		loc:    loc,
		cron:   cron.New(cron.WithLocation(loc)),
		now:    time.Now,
	}
}

func (s *Scheduler) Start() error {
	for _, w := range session.Windows {
		id, err := s.cron.AddFunc(schedules[w], func() { s.tick(w) })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", w, err)
		}
		s.log.Debug("Scheduled stats report", zap.String("window", string(w)), zap.Time("next", s.cron.Entry(id).Next))
	}
	s.cron.Start()
	s.log.Info("Started stats scheduler", zap.String("timezone", s.loc.String()))
	return nil
}

// Stop waits for a running report to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) tick(w session.Window) {
	now := s.now().In(s.loc)
	if w == session.Monthly && !LastDayOfMonth(now) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.RunWindow(ctx, w)
}

// LastDayOfMonth reports whether t is the final day of its month.
func LastDayOfMonth(t time.Time) bool {
	return t.AddDate(0, 0, 1).Day() == 1
}

// RunWindow sends the report for w to every allow-listed operator, then resets w.
func (s *Scheduler) RunWindow(ctx context.Context, w session.Window) {
	now := s.now()
	sent := 0
	for _, id := range s.cfg.Allowed() {
		profile, _ := s.cfg.Profile(id)
		sess := s.state.Get(id)
		if err := s.notify.Notify(ctx, id, Report(w, profile, sess.Stats, now)); err != nil {
			s.log.Warn("Failed to send stats report", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		sent++
	}
	s.state.Each(func(_ int64, sess *session.Session) {
		sess.Stats.ResetWindow(w)
	})
	s.log.Info("Stats window closed", zap.String("window", string(w)), zap.Int("reports", sent))
}

// Report renders one operator's card for w.
func Report(w session.Window, p store.Profile, st session.Stats, now time.Time) string {
	channel := p.Channel
	if channel == "" {
		channel = "—"
	}
	saved := "NoT !"
	if p.Caption != "" {
		saved = "SaveD !"
	}
	style := "Normal"
	if st.LastStyle != "" {
		style = strings.ToUpper(string(st.LastStyle[:1])) + string(st.LastStyle[1:])
	}
	status := "Inactive"
	if st.ActiveWithin(w, now) {
		status = "Active"
	}
	c := st.Window(w)

	rows := [][2]string{
		{"🛰️  CHANNEL    ", channel},
		{"📝  CAPTION    ", saved},
		{"🧠  KEY MODE   ", st.LastMethod.Label()},
		{"🎨  STYLE      ", style},
		{"⚙️  STATUS     ", status},
		{"🔐  KEYS SENT  ", fmt.Sprint(c.Keys)},
		{"📦  TOTAL APKS ", fmt.Sprint(c.APKs)},
	}
	var b strings.Builder
	b.WriteString("<pre>")
	fmt.Fprintf(&b, "╭──────────⩺ %s ⩹──────────╮\n", w.Title())
	for _, r := range rows {
		fmt.Fprintf(&b, "│ %s → %-18s│\n", r[0], html.EscapeString(r[1]))
	}
	b.WriteString("╰────────────⩺ END ⩹────────────╯</pre>")
	return b.String()
}
