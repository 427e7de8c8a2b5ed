package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/logger"
	"github.com/Armin-kho/apk-relay-bot/internal/session"
)

// PendingPost is a source channel file collected by the Auto 4 batcher.
type PendingPost struct {
	ChatID     int64                    `json:"chat_id"`
	MessageID  int                      `json:"message_id"`
	FileID     string                   `json:"file_id"`
	FileName   string                   `json:"file_name"`
	Size       int64                    `json:"file_size"`
	Caption    string                   `json:"caption"`
	Entities   []tgbotapi.MessageEntity `json:"caption_entities,omitempty"`
	ReceivedAt time.Time                `json:"timestamp"`
}

type Auto4State struct {
	Pending      []PendingPost `json:"pending_apks"`
	WaitingSince time.Time     `json:"waiting_since"`
	SetupMode    int           `json:"setup_mode"`
}

type snapshot struct {
	UserState  map[string]*session.Session `json:"user_state"`
	Auto4State Auto4State                  `json:"auto4_state"`
}

// SessionStore owns the per-operator sessions and the Auto 4 batch.
// It is checkpointed to disk by an Autosaver.
type SessionStore struct {
	log  *logger.Logger
	path string

	mu       sync.Mutex
	sessions map[int64]*session.Session
	auto4    Auto4State
	dirty    bool

	saveMu sync.Mutex
}

func OpenSessionStore(log *logger.Logger, path string) (*SessionStore, error) {
	s := &SessionStore{log: log, path: path, sessions: map[int64]*session.Session{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory tables with the snapshot on disk.
func (s *SessionStore) Reload() error {
	var snap snapshot
	if _, err := readJSON(s.path, &snap); err != nil {
		return err
	}
	sessions := make(map[int64]*session.Session, len(snap.UserState))
	for k, v := range snap.UserState {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil || v == nil {
			continue
		}
		sessions[id] = v
	}

	s.mu.Lock()
	s.sessions = sessions
	s.auto4 = snap.Auto4State
	s.dirty = false
	s.mu.Unlock()
	s.log.Info("Loaded state", zap.String("file", s.path), zap.Int("sessions", len(sessions)))
	return nil
}

// RestoreFrom replaces the snapshot on disk with data and loads it.
func (s *SessionStore) RestoreFrom(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%s is not valid JSON", filepath.Base(s.path))
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := WriteFileAtomic(s.path, data); err != nil {
		return err
	}
	return s.Reload()
}

func (s *SessionStore) Path() string { return s.path }

// Save writes the snapshot when something changed since the last save.
func (s *SessionStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := snapshot{
		UserState:  make(map[string]*session.Session, len(s.sessions)),
		Auto4State: s.auto4,
	}
	for id, sess := range s.sessions {
		snap.UserState[userKey(id)] = sess.Clone()
	}
	snap.Auto4State.Pending = append([]PendingPost(nil), s.auto4.Pending...)
	s.dirty = false
	s.mu.Unlock()

	if err := writeJSONAtomic(s.path, snap); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	s.log.Debug("Saved state", zap.String("file", s.path), zap.Int("sessions", len(snap.UserState)))
	return nil
}

// Update runs fn on the session of id under the store lock, creating it if needed.
func (s *SessionStore) Update(id int64, fn func(sess *session.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = session.New()
		s.sessions[id] = sess
	}
	fn(sess)
	s.dirty = true
}

// Get returns a copy of the session of id, or a fresh one.
func (s *SessionStore) Get(id int64) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone()
	}
	return session.New()
}

// Reset puts the session of id back to defaults, keeping its counters.
func (s *SessionStore) Reset(id int64) {
	s.Update(id, func(sess *session.Session) { sess.Reset() })
}

func (s *SessionStore) Delete(id int64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.dirty = true
	s.mu.Unlock()
}

// Each calls fn for every session in id order under the store lock.
func (s *SessionStore) Each(fn func(id int64, sess *session.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fn(id, s.sessions[id])
	}
	s.dirty = true
}

// UpdateAuto4 runs fn on the Auto 4 batch state under the store lock.
func (s *SessionStore) UpdateAuto4(fn func(st *Auto4State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.auto4)
	s.dirty = true
}

func (s *SessionStore) Auto4() Auto4State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.auto4
	st.Pending = append([]PendingPost(nil), s.auto4.Pending...)
	return st
}
