package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "APKBOT"

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type Config struct {
	BotToken string `mapstructure:"bot_token"`
	OwnerID  int64  `mapstructure:"owner_id"`
	DataDir  string `mapstructure:"data_dir"`

	// Timezone drives stats windows and backup file names.
	Timezone string `mapstructure:"timezone"`

	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
	SettleWindow     time.Duration `mapstructure:"settle_window"`
	BatchWindow      time.Duration `mapstructure:"batch_window"`
	Auto4Window      time.Duration `mapstructure:"auto4_window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	RestartDelay     time.Duration `mapstructure:"restart_delay"`
	NotifyCooldown   time.Duration `mapstructure:"notify_cooldown"`

	// AllowedUsers seeds the allow-list on startup; parsed from a comma separated list.
	AllowedUsers []int64 `mapstructure:"-"`

	AdminLink string    `mapstructure:"admin_link"`
	Log       LogConfig `mapstructure:"log"`
	Debug     bool      `mapstructure:"debug"`
}

func DefaultDataDir() string {
	if v := os.Getenv("APKBOT_DATA_DIR"); v != "" {
		return v
	}
	return "/var/lib/apk-relay-bot"
}

func DefaultConfigPath() string {
	if v := os.Getenv("APKBOT_CONFIG"); v != "" {
		return v
	}
	return "/etc/apk-relay-bot/bot.json"
}

// Location resolves the configured timezone, falling back to Asia/Kolkata.
func (c Config) Location() *time.Location {
	name := c.Timezone
	if name == "" {
		name = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Loader reads the process configuration from an optional JSON file and the environment.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("timezone", "Asia/Kolkata")
	v.SetDefault("autosave_interval", 60*time.Second)
	v.SetDefault("settle_window", 20*time.Second)
	v.SetDefault("batch_window", 10*time.Second)
	v.SetDefault("auto4_window", 20*time.Second)
	v.SetDefault("cooldown", time.Second)
	v.SetDefault("restart_delay", 5*time.Second)
	v.SetDefault("notify_cooldown", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	// Unprefixed names kept for existing deployments.
	_ = v.BindEnv("bot_token", EnvPrefix+"_BOT_TOKEN", "BOT_TOKEN")
	_ = v.BindEnv("owner_id", EnvPrefix+"_OWNER_ID", "OWNER_ID")
	_ = v.BindEnv("data_dir", EnvPrefix+"_DATA_DIR", "DATA_DIR")
	_ = v.BindEnv("admin_link", EnvPrefix+"_ADMIN_LINK", "BOT_ADMIN_LINK")
	_ = v.BindEnv("allowed_users", EnvPrefix+"_ALLOWED_USERS", "ALLOWED_USERS")

	return &Loader{v: v}
}

// Load reads path (missing file is fine) and applies env overrides.
// A missing bot token or owner id is an error.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	cfg.BotToken = strings.TrimSpace(cfg.BotToken)
	cfg.DataDir = filepath.Clean(cfg.DataDir)
	cfg.AllowedUsers = ParseIDList(l.v.GetString("allowed_users"))

	if cfg.BotToken == "" {
		return Config{}, fmt.Errorf("missing bot_token (set in %s or BOT_TOKEN env)", path)
	}
	if cfg.OwnerID == 0 {
		return Config{}, fmt.Errorf("missing owner_id (set in %s or OWNER_ID env)", path)
	}
	return cfg, nil
}

// Watch calls onChange with the reloaded configuration whenever the config file changes.
// Errors from reloading are passed to onErr.
func (l *Loader) Watch(onChange func(Config), onErr func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment. Existing vars win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ParseIDList parses a comma separated list of numeric ids, skipping junk.
func ParseIDList(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}
