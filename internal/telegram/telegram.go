// Package telegram holds the Bot API helpers shared by the operator flows and the relay.
package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI the bot needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Chat resolves an "@handle" or numeric channel reference to a send target.
func Chat(channel string) tgbotapi.BaseChat {
	channel = strings.TrimSpace(channel)
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return tgbotapi.BaseChat{ChatID: id}
	}
	return tgbotapi.BaseChat{ChannelUsername: channel}
}

// Document re-sends an already uploaded file to channel with an HTML caption.
func Document(channel, fileID, text string) tgbotapi.DocumentConfig {
	d := tgbotapi.NewDocument(0, tgbotapi.FileID(fileID))
	d.BaseChat = Chat(channel)
	d.Caption = text
	d.ParseMode = tgbotapi.ModeHTML
	return d
}

func HTML(chatID int64, text string) tgbotapi.MessageConfig {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = tgbotapi.ModeHTML
	m.DisableWebPagePreview = true
	return m
}

// EditHTML edits a text message in place; kb may be nil.
func EditHTML(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) tgbotapi.EditMessageTextConfig {
	e := tgbotapi.NewEditMessageText(chatID, messageID, text)
	e.ParseMode = tgbotapi.ModeHTML
	e.DisableWebPagePreview = true
	e.ReplyMarkup = kb
	return e
}

func Delete(channel string, messageID int) tgbotapi.DeleteMessageConfig {
	c := Chat(channel)
	return tgbotapi.DeleteMessageConfig{ChatID: c.ChatID, ChannelUsername: c.ChannelUsername, MessageID: messageID}
}

// EditCaption replaces the caption of a channel post.
func EditCaption(channel string, messageID int, text string) tgbotapi.EditMessageCaptionConfig {
	c := Chat(channel)
	e := tgbotapi.EditMessageCaptionConfig{
		BaseEdit: tgbotapi.BaseEdit{ChatID: c.ChatID, ChannelUsername: c.ChannelUsername, MessageID: messageID},
		Caption:  text,
	}
	e.ParseMode = tgbotapi.ModeHTML
	return e
}

// ChannelRef renders a chat as "@handle" when it has one and as its id otherwise.
func ChannelRef(chat *tgbotapi.Chat) string {
	if chat == nil {
		return ""
	}
	if chat.UserName != "" {
		return "@" + chat.UserName
	}
	return strconv.FormatInt(chat.ID, 10)
}

// IsBlocked reports whether err means the user blocked the bot or deleted the account.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 403 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "forbidden") || strings.Contains(msg, "blocked")
}

// IsNotModified reports the harmless error Telegram returns for an identical edit.
func IsNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// IsChannelAdmin checks that userID administers channel.
func IsChannelAdmin(s Sender, channel string, userID int64) (bool, error) {
	c := Chat(channel)
	cfg := tgbotapi.GetChatMemberConfig{ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
		ChatID:             c.ChatID,
		SuperGroupUsername: c.ChannelUsername,
		UserID:             userID,
	}}
	resp, err := s.Request(cfg)
	if err != nil {
		return false, err
	}
	var m tgbotapi.ChatMember
	if err := json.Unmarshal(resp.Result, &m); err != nil {
		return false, fmt.Errorf("decode chat member: %w", err)
	}
	return m.IsAdministrator() || m.IsCreator(), nil
}

// IsAPK reports whether name looks like an Android package.
func IsAPK(name string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(name)), ".apk")
}
