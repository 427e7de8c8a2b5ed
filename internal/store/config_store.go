package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
)

// NumSetups is the number of auto relay setups.
const NumSetups = 4

var (
	ErrInvalidChannel = errors.New("channel must start with @ or -100")
	ErrUnknownSetup   = errors.New("unknown relay setup")
)

type Profile struct {
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
	Channel   string `json:"channel,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

type KeyMode string

const (
	KeyModeAuto   KeyMode = "auto"
	KeyModeManual KeyMode = "manual"
)

type RelaySetup struct {
	SourceChannel  string        `json:"source_channel"`
	DestChannel    string        `json:"dest_channel"`
	DestCaption    string        `json:"dest_caption"`
	KeyMode        KeyMode       `json:"key_mode"`
	Style          caption.Style `json:"style"`
	Enabled        bool          `json:"enabled"`
	CompletedCount int           `json:"completed_count"`
	ProcessedCount int           `json:"processed_count,omitempty"`
}

func DefaultSetup() RelaySetup {
	return RelaySetup{KeyMode: KeyModeAuto, Style: caption.StyleMono}
}

// MatchesSource compares by @handle (case-insensitive) or numeric chat id.
func (r RelaySetup) MatchesSource(chatID int64, username string) bool {
	src := strings.TrimSpace(r.SourceChannel)
	if src == "" {
		return false
	}
	if strings.HasPrefix(src, "@") {
		return username != "" && strings.EqualFold(src, "@"+strings.TrimPrefix(username, "@"))
	}
	return src == strconv.FormatInt(chatID, 10)
}

// Document is the persisted config.json layout.
type Document struct {
	OwnerID      int64                 `json:"owner_id"`
	AllowedUsers []int64               `json:"allowed_users"`
	UserData     map[string]Profile    `json:"user_data"`
	AutoSetup    map[string]RelaySetup `json:"auto_setup"`
	BotActive    bool                  `json:"bot_active"`
	BotAdminLink string                `json:"bot_admin_link"`
}

func setupKey(n int) string { return "setup" + strconv.Itoa(n) }

func userKey(id int64) string { return strconv.FormatInt(id, 10) }

// ConfigStore owns the configuration document. Every mutation is saved immediately.
type ConfigStore struct {
	log  *logger.Logger
	path string

	mu  sync.RWMutex
	doc Document

	// saveMu orders whole saves so an older snapshot never lands after a newer one.
	saveMu sync.Mutex
}

// OpenConfigStore loads path (creating defaults when missing) and pins the owner.
func OpenConfigStore(log *logger.Logger, path string, ownerID int64, adminLink string) (*ConfigStore, error) {
	s := &ConfigStore{log: log, path: path}
	if err := s.load(ownerID, adminLink); err != nil {
		return nil, err
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConfigStore) load(ownerID int64, adminLink string) error {
	doc := Document{BotActive: true}
	found, err := readJSON(s.path, &doc)
	if err != nil {
		return err
	}
	if !found {
		doc.BotActive = true
	}
	if ownerID != 0 {
		doc.OwnerID = ownerID
	}
	if adminLink != "" {
		doc.BotAdminLink = adminLink
	}
	if doc.UserData == nil {
		doc.UserData = map[string]Profile{}
	}
	if doc.AutoSetup == nil {
		doc.AutoSetup = map[string]RelaySetup{}
	}
	for n := 1; n <= NumSetups; n++ {
		st, ok := doc.AutoSetup[setupKey(n)]
		if !ok {
			st = DefaultSetup()
		}
		if st.KeyMode == "" {
			st.KeyMode = KeyModeAuto
		}
		if st.Style == "" {
			st.Style = caption.StyleMono
		}
		doc.AutoSetup[setupKey(n)] = st
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	s.log.Info("Loaded config", zap.String("file", s.path), zap.Int("users", len(doc.UserData)))
	return nil
}

// Reload re-reads the document from disk, keeping the pinned owner.
func (s *ConfigStore) Reload() error {
	return s.load(s.Owner(), "")
}

// RestoreFrom replaces the document on disk with data and loads it, keeping the pinned owner.
func (s *ConfigStore) RestoreFrom(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%s is not valid JSON", filepath.Base(s.path))
	}
	owner := s.Owner()
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := WriteFileAtomic(s.path, data); err != nil {
		return err
	}
	return s.load(owner, "")
}

func (s *ConfigStore) Path() string { return s.path }

func (s *ConfigStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(s.path), err)
	}
	return WriteFileAtomic(s.path, data)
}

func (s *ConfigStore) mutate(fn func(d *Document) error) error {
	s.mu.Lock()
	if err := fn(&s.doc); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.Save()
}

func (s *ConfigStore) Owner() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.OwnerID
}

func (s *ConfigStore) IsOwner(id int64) bool { return id != 0 && id == s.Owner() }

func (s *ConfigStore) IsAuthorized(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == s.doc.OwnerID {
		return true
	}
	for _, u := range s.doc.AllowedUsers {
		if u == id {
			return true
		}
	}
	return false
}

// Allow adds id to the allow-list. It reports false when id was already present.
func (s *ConfigStore) Allow(id int64) (bool, error) {
	added := false
	err := s.mutate(func(d *Document) error {
		for _, u := range d.AllowedUsers {
			if u == id {
				return nil
			}
		}
		d.AllowedUsers = append(d.AllowedUsers, id)
		added = true
		return nil
	})
	return added, err
}

// Disallow removes id from the allow-list. It reports false when id was absent.
func (s *ConfigStore) Disallow(id int64) (bool, error) {
	removed := false
	err := s.mutate(func(d *Document) error {
		out := d.AllowedUsers[:0]
		for _, u := range d.AllowedUsers {
			if u == id {
				removed = true
				continue
			}
			out = append(out, u)
		}
		d.AllowedUsers = out
		return nil
	})
	return removed, err
}

func (s *ConfigStore) Allowed() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.doc.AllowedUsers...)
}

// KnownUsers lists every id with a profile, sorted.
func (s *ConfigStore) KnownUsers() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.doc.UserData))
	for k := range s.doc.UserData {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *ConfigStore) Profile(id int64) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.UserData[userKey(id)]
	return p, ok
}

// TouchProfile registers id on first contact and refreshes its names.
func (s *ConfigStore) TouchProfile(id int64, firstName, username string) error {
	s.mu.RLock()
	p, ok := s.doc.UserData[userKey(id)]
	s.mu.RUnlock()
	if ok && p.FirstName == firstName && p.Username == username {
		return nil
	}
	return s.UpdateProfile(id, func(p *Profile) {
		p.FirstName = firstName
		p.Username = username
	})
}

func (s *ConfigStore) UpdateProfile(id int64, fn func(p *Profile)) error {
	return s.mutate(func(d *Document) error {
		p := d.UserData[userKey(id)]
		fn(&p)
		d.UserData[userKey(id)] = p
		return nil
	})
}

func ValidateChannel(ch string) error {
	ch = strings.TrimSpace(ch)
	if strings.HasPrefix(ch, "@") && len(ch) > 1 {
		return nil
	}
	if digits, ok := strings.CutPrefix(ch, "-100"); ok && digits != "" {
		if _, err := strconv.ParseUint(digits, 10, 64); err == nil {
			return nil
		}
	}
	return ErrInvalidChannel
}

func (s *ConfigStore) SetChannel(id int64, ch string) error {
	ch = strings.TrimSpace(ch)
	if err := ValidateChannel(ch); err != nil {
		return err
	}
	return s.UpdateProfile(id, func(p *Profile) { p.Channel = ch })
}

func (s *ConfigStore) SetCaption(id int64, tmpl string) error {
	tmpl = strings.TrimSpace(tmpl)
	if err := caption.ValidateTemplate(tmpl); err != nil {
		return err
	}
	return s.UpdateProfile(id, func(p *Profile) { p.Caption = tmpl })
}

func (s *ConfigStore) Setup(n int) (RelaySetup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.doc.AutoSetup[setupKey(n)]
	return st, ok
}

func (s *ConfigStore) UpdateSetup(n int, fn func(st *RelaySetup)) error {
	if n < 1 || n > NumSetups {
		return fmt.Errorf("%w: %d", ErrUnknownSetup, n)
	}
	return s.mutate(func(d *Document) error {
		st := d.AutoSetup[setupKey(n)]
		fn(&st)
		d.AutoSetup[setupKey(n)] = st
		return nil
	})
}

func (s *ConfigStore) ResetSetup(n int) error {
	return s.UpdateSetup(n, func(st *RelaySetup) { *st = DefaultSetup() })
}

// IncrementCompleted bumps completed_count of setup n and returns the new value.
func (s *ConfigStore) IncrementCompleted(n int) (int, error) {
	var v int
	err := s.UpdateSetup(n, func(st *RelaySetup) {
		st.CompletedCount++
		v = st.CompletedCount
	})
	return v, err
}

// MatchSource returns the first of the given setups whose source matches the chat.
func (s *ConfigStore) MatchSource(chatID int64, username string, setups ...int) (int, RelaySetup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range setups {
		st, ok := s.doc.AutoSetup[setupKey(n)]
		if ok && st.MatchesSource(chatID, username) {
			return n, st, true
		}
	}
	return 0, RelaySetup{}, false
}

func (s *ConfigStore) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.BotActive
}

func (s *ConfigStore) SetActive(on bool) error {
	return s.mutate(func(d *Document) error {
		d.BotActive = on
		return nil
	})
}

func (s *ConfigStore) AdminLink() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.BotAdminLink
}

func (s *ConfigStore) SetAdminLink(link string) error {
	return s.mutate(func(d *Document) error {
		d.BotAdminLink = strings.TrimSpace(link)
		return nil
	})
}
