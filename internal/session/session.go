// Package session holds the per-operator wizard state.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
)

// MaxBatch is the most files a Method 2 batch can hold.
const MaxBatch = 3

type Method int

const (
	MethodNone Method = iota
	MethodOne
	MethodTwo
	MethodAuto
)

var methodNames = [...]string{"none", "method1", "method2", "method3"}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "none"
	}
	return methodNames[m]
}

// Label is the human form used in reports.
func (m Method) Label() string {
	switch m {
	case MethodOne:
		return "Method 1"
	case MethodTwo:
		return "Method 2"
	case MethodAuto:
		return "Method 3"
	default:
		return "—"
	}
}

func (m Method) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Method) UnmarshalText(b []byte) error {
	for i, n := range methodNames {
		if n == string(b) {
			*m = Method(i)
			return nil
		}
	}
	*m = MethodNone
	return nil
}

type Step int

const (
	StepIdle Step = iota
	StepSelectingMethod
	StepWaitingChannel
	StepWaitingCaption
	StepWaitingKey
	StepWaitingNewCaption
	StepWaitingSource
	StepWaitingDest
	StepWaitingDestCaption
	StepWaitingAllowAdd
	StepWaitingAllowRemove
)

var stepNames = [...]string{
	"normal",
	"selecting_method",
	"waiting_channel",
	"waiting_caption",
	"waiting_key",
	"waiting_new_caption",
	"waiting_source",
	"waiting_dest",
	"waiting_dest_caption",
	"waiting_allow_add",
	"waiting_allow_remove",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "normal"
	}
	return stepNames[s]
}

func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Step) UnmarshalText(b []byte) error {
	for i, n := range stepNames {
		if n == string(b) {
			*s = Step(i)
			return nil
		}
	}
	*s = StepIdle
	return nil
}

// SetupScoped reports whether the step refers to Session.Setup.
func (s Step) SetupScoped() bool {
	return s == StepWaitingSource || s == StepWaitingDest || s == StepWaitingDestCaption
}

type File struct {
	ID   string `json:"file_id"`
	Name string `json:"file_name"`
	Size int64  `json:"file_size"`
}

// SizeLabel renders the file size in MB or GB.
func (f File) SizeLabel() string {
	if f.Size <= 0 {
		return "— MB"
	}
	mb := float64(f.Size) / (1 << 20)
	if mb < 1024 {
		return fmt.Sprintf("%.2f MB", mb)
	}
	return fmt.Sprintf("%.2f GB", mb/1024)
}

// PostRecord remembers a published batch so it can be managed afterwards.
type PostRecord struct {
	Files      []File        `json:"files"`
	Key        string        `json:"key"`
	Style      caption.Style `json:"key_mode"`
	Template   string        `json:"caption_template"`
	Channel    string        `json:"channel_id"`
	MessageIDs []int         `json:"post_message_ids"`
	Link       string        `json:"post_link"`
	PostedAt   time.Time     `json:"posted_at"`
	HistoryID  string        `json:"history_id,omitempty"`
}

type Session struct {
	Method Method `json:"current_method"`
	Step   Step   `json:"status"`
	Setup  int    `json:"setup,omitempty"`

	AwaitingZip    bool   `json:"awaiting_zip,omitempty"`
	PendingRestore string `json:"pending_restore,omitempty"`

	Files       []File        `json:"session_files"`
	Key         string        `json:"saved_key,omitempty"`
	Style       caption.Style `json:"key_mode"`
	PendingFile *File         `json:"pending_apk,omitempty"`

	PreviewMsgID   int `json:"preview_message_id,omitempty"`
	CountdownMsgID int `json:"countdown_msg_id,omitempty"`

	LastPost *PostRecord `json:"last_post_session,omitempty"`

	Stats Stats `json:"stats"`
}

func New() *Session {
	return &Session{Style: caption.StyleNormal}
}

// Reset returns the session to a fresh record. Usage counters survive.
func (s *Session) Reset() {
	stats := s.Stats
	*s = Session{Style: caption.StyleNormal, Stats: stats}
}

// ClearBatch drops collected files, key and styling but keeps the selected method.
func (s *Session) ClearBatch() {
	s.Files = nil
	s.Key = ""
	s.Style = caption.StyleNormal
	s.PendingFile = nil
	s.CountdownMsgID = 0
	if s.Step == StepWaitingKey {
		s.Step = StepIdle
	}
}

// SelectMethod switches method and starts from a clean flow.
func (s *Session) SelectMethod(m Method) {
	s.Reset()
	s.Method = m
}

// AddFile appends f to the Method 2 batch. A batch that already has a key or is
// full is discarded first. It returns true once the batch is full.
func (s *Session) AddFile(f File) bool {
	if s.Key != "" || len(s.Files) >= MaxBatch {
		s.ClearBatch()
	}
	s.Files = append(s.Files, f)
	return len(s.Files) >= MaxBatch
}

// AwaitKey moves to the key prompt. The key is unset while waiting.
func (s *Session) AwaitKey() {
	s.Step = StepWaitingKey
	s.Key = ""
}

// SetKey validates and stores a manually supplied key.
func (s *Session) SetKey(key string) error {
	key = strings.TrimSpace(key)
	if err := caption.ValidateKey(key); err != nil {
		return err
	}
	s.Key = key
	if s.Step == StepWaitingKey {
		s.Step = StepIdle
	}
	return nil
}

// Await sets a setup-scoped or plain step.
func (s *Session) Await(step Step, setup int) {
	s.Step = step
	if step.SetupScoped() {
		s.Setup = setup
	} else {
		s.Setup = 0
	}
}

func (s *Session) Idle() {
	s.Step = StepIdle
	s.Setup = 0
}

// Clone returns a deep copy safe to read without holding the store lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Files = append([]File(nil), s.Files...)
	if s.PendingFile != nil {
		f := *s.PendingFile
		c.PendingFile = &f
	}
	if s.LastPost != nil {
		lp := *s.LastPost
		lp.Files = append([]File(nil), s.LastPost.Files...)
		lp.MessageIDs = append([]int(nil), s.LastPost.MessageIDs...)
		c.LastPost = &lp
	}
	c.Stats.Windows = make(map[Window]Counter, len(s.Stats.Windows))
	for k, v := range s.Stats.Windows {
		c.Stats.Windows[k] = v
	}
	return &c
}
