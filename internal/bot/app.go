package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Armin-kho/apk-relay-bot/internal/config"
	"github.com/Armin-kho/apk-relay-bot/internal/db"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/relay"
	"github.com/Armin-kho/apk-relay-bot/internal/scheduler"
	"github.com/Armin-kho/apk-relay-bot/internal/store"
	"github.com/Armin-kho/apk-relay-bot/internal/tasks"
	"github.com/Armin-kho/apk-relay-bot/internal/telegram"
)

const (
	configFile  = "config.json"
	stateFile   = "state.json"
	historyFile = "history.db"
)

type App struct {
	cfg  config.Config
	log  *logger.Logger
	bot  telegram.Sender
	api  *tgbotapi.BotAPI
	self tgbotapi.User

	// fileURL resolves a file id to a download link.
	fileURL func(fileID string) (string, error)

	store *store.ConfigStore
	state *store.SessionStore
	db    *db.DB

	tasks *tasks.Group
	relay *relay.Pipeline
	sched *scheduler.Scheduler
	saver *store.Autosaver

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter

	bcMu sync.Mutex
	bc   *broadcastSession

	dataDir    string
	configPath string
	statePath  string
	dbPath     string
	started    time.Time

	startOnce sync.Once
	closeOnce sync.Once
}

// New connects to Telegram and opens the stores under cfg.DataDir.
func New(cfg config.Config, log *logger.Logger) (*App, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	api.Debug = cfg.Debug

	a, err := newApp(cfg, log, api, api.Self)
	if err != nil {
		return nil, err
	}
	a.api = api
	a.fileURL = api.GetFileDirectURL
	return a, nil
}

func newApp(cfg config.Config, log *logger.Logger, sender telegram.Sender, self tgbotapi.User) (*App, error) {
	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, err
	}
	a := &App{
		cfg:        cfg,
		log:        log,
		bot:        sender,
		self:       self,
		limiters:   map[int64]*rate.Limiter{},
		dataDir:    dataDir,
		configPath: filepath.Join(dataDir, configFile),
		statePath:  filepath.Join(dataDir, stateFile),
		dbPath:     filepath.Join(dataDir, historyFile),
		started:    time.Now(),
	}
	a.fileURL = func(string) (string, error) { return "", errors.New("file downloads unavailable") }

	var err error
	if a.store, err = store.OpenConfigStore(log, a.configPath, cfg.OwnerID, cfg.AdminLink); err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	for _, id := range cfg.AllowedUsers {
		if _, err := a.store.Allow(id); err != nil {
			return nil, fmt.Errorf("seed allow-list: %w", err)
		}
	}
	if a.state, err = store.OpenSessionStore(log, a.statePath); err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if a.db, err = db.Open(a.dbPath); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	a.tasks = tasks.NewGroup(log)
	a.relay = relay.New(log, sender, a.store, a.state, a.db, a.tasks, relay.Options{
		Settle:        cfg.SettleWindow,
		Auto4Window:   cfg.Auto4Window,
		Auto4KeyDelay: 3 * time.Second,
	})
	a.sched = scheduler.New(log, a.store, a.state, a, cfg.Location())
	a.saver = store.NewAutosaver(log, cfg.AutosaveInterval, a.store, a.state)
	return a, nil
}

// Start launches autosave, the stats scheduler and any resumed relay batch.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.saver.Start()
		if err := a.sched.Start(); err != nil {
			a.log.Error("Failed to start scheduler", zap.Error(err))
		}
		a.relay.Resume()
		a.countStart()
	})
}

// Close stops background work, flushes the stores and closes the history.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.tasks.Stop()
		a.sched.Stop()
		a.saver.Stop()
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close history", zap.Error(err))
		}
	})
}

func (a *App) Run(ctx context.Context) error {
	if a.api == nil {
		return errors.New("no telegram connection")
	}
	a.log.Info("Bot authorized", zap.String("username", a.self.UserName))
	a.Start()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "channel_post", "callback_query"}

	updates := a.api.GetUpdatesChan(u)
	defer a.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			a.handleUpdate(upd)
		}
	}
}

// Notify implements scheduler.Notifier.
func (a *App) Notify(_ context.Context, userID int64, text string) error {
	_, err := a.bot.Send(telegram.HTML(userID, text))
	return err
}

// NotifyOwner sends text to the owner, logging failures.
func (a *App) NotifyOwner(text string) {
	if err := a.Notify(context.Background(), a.store.Owner(), text); err != nil {
		a.log.Warn("Failed to notify owner", zap.Error(err))
	}
}

func (a *App) handleUpdate(upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Update handler panicked", zap.Int("update_id", upd.UpdateID), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	switch {
	case upd.ChannelPost != nil:
		a.relay.Handle(upd.ChannelPost)
	case upd.CallbackQuery != nil:
		a.handleCallback(*upd.CallbackQuery)
	case upd.Message != nil:
		a.handleMessage(*upd.Message)
	}
}

// allow applies the per-operator button cooldown.
func (a *App) allow(userID int64) bool {
	a.limMu.Lock()
	defer a.limMu.Unlock()
	l, ok := a.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(a.cfg.Cooldown), 1)
		a.limiters[userID] = l
	}
	return l.Allow()
}

const metaStarts = "starts"

func (a *App) countStart() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, _, err := a.db.GetMeta(ctx, metaStarts)
	if err != nil {
		a.log.Warn("Failed to read start counter", zap.Error(err))
		return
	}
	n, _ := strconv.Atoi(v)
	if err := a.db.SetMeta(ctx, metaStarts, strconv.Itoa(n+1)); err != nil {
		a.log.Warn("Failed to write start counter", zap.Error(err))
	}
}

func (a *App) send(chatID int64, text string) int {
	m, err := a.bot.Send(telegram.HTML(chatID, text))
	if err != nil {
		a.log.Warn("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
		return 0
	}
	return m.MessageID
}

func (a *App) sendMarkup(chatID int64, text string, markup any) int {
	msg := telegram.HTML(chatID, text)
	msg.ReplyMarkup = markup
	m, err := a.bot.Send(msg)
	if err != nil {
		a.log.Warn("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
		return 0
	}
	return m.MessageID
}

// editOrSendMenu edits msgID in place and falls back to a new message.
func (a *App) editOrSendMenu(userID int64, msgID int, text string, kb *tgbotapi.InlineKeyboardMarkup) int {
	if msgID != 0 {
		_, err := a.bot.Request(telegram.EditHTML(userID, msgID, text, kb))
		if err == nil || telegram.IsNotModified(err) {
			return msgID
		}
	}
	if kb != nil {
		return a.sendMarkup(userID, text, *kb)
	}
	return a.send(userID, text)
}
