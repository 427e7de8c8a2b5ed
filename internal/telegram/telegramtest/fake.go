// Package telegramtest provides an in-memory telegram.Sender for tests.
package telegramtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type msgRef struct {
	chat int64
	id   int
}

// Fake records every call and answers like a healthy Bot API.
// Forwarding a message marked with Delete fails, as it does for a removed post.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	deleted  map[msgRef]bool

	// SendErr, when set, can fail a Send call.
	SendErr func(c tgbotapi.Chattable) error
	// Member is returned for getChatMember requests.
	Member tgbotapi.ChatMember
}

func New() *Fake {
	return &Fake{nextID: 100, deleted: map[msgRef]bool{}, Member: tgbotapi.ChatMember{Status: "administrator"}}
}

// Delete marks a source message as gone.
func (f *Fake) Delete(chatID int64, messageID int) {
	f.mu.Lock()
	f.deleted[msgRef{chatID, messageID}] = true
	f.mu.Unlock()
}

func (f *Fake) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if fw, ok := c.(tgbotapi.ForwardConfig); ok && f.deleted[msgRef{fw.FromChatID, fw.MessageID}] {
		return tgbotapi.Message{}, &tgbotapi.Error{Code: 400, Message: "Bad Request: message to forward not found"}
	}
	if f.SendErr != nil {
		if err := f.SendErr(c); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID, Chat: &tgbotapi.Chat{ID: chatOf(c)}}, nil
}

func (f *Fake) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	if _, ok := c.(tgbotapi.GetChatMemberConfig); ok {
		raw, err := json.Marshal(f.Member)
		if err != nil {
			return nil, err
		}
		return &tgbotapi.APIResponse{Ok: true, Result: raw}, nil
	}
	return &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage("true")}, nil
}

func chatOf(c tgbotapi.Chattable) int64 {
	switch v := c.(type) {
	case tgbotapi.MessageConfig:
		return v.ChatID
	case tgbotapi.DocumentConfig:
		return v.ChatID
	case tgbotapi.ForwardConfig:
		return v.ChatID
	case tgbotapi.CopyMessageConfig:
		return v.ChatID
	case tgbotapi.PhotoConfig:
		return v.ChatID
	case tgbotapi.VideoConfig:
		return v.ChatID
	}
	return 0
}

// Documents returns every document sent so far.
func (f *Fake) Documents() []tgbotapi.DocumentConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.DocumentConfig
	for _, c := range f.sent {
		if d, ok := c.(tgbotapi.DocumentConfig); ok {
			out = append(out, d)
		}
	}
	return out
}

// Texts returns the text of every message sent or edited, in order.
func (f *Fake) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range append(append([]tgbotapi.Chattable(nil), f.sent...), f.requests...) {
		switch v := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, v.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, v.Text)
		}
	}
	return out
}

// Sent returns all Send calls.
func (f *Fake) Sent() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

// Requests returns all Request calls.
func (f *Fake) Requests() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.requests...)
}

// Blocked builds the error Telegram returns for a user who blocked the bot.
func Blocked() error {
	return &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
}

// Failure builds a generic API error.
func Failure(format string, args ...any) error {
	return &tgbotapi.Error{Code: 400, Message: fmt.Sprintf(format, args...)}
}

var ErrNetwork = errors.New("network unreachable")
