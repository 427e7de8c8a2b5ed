// Package caption extracts keys from post captions and renders caption templates.
package caption

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Placeholder marks where the key goes in a template.
const Placeholder = "Key -"

const (
	MinKeyLen = 4
	MaxKeyLen = 30
)

var (
	ErrNoPlaceholder = errors.New("caption must contain " + Placeholder)
	ErrKeyLength     = fmt.Errorf("key must be %d to %d characters", MinKeyLen, MaxKeyLen)
)

var keyRe = regexp.MustCompile(`Key\s*-\s*(\S+)`)

type Style string

const (
	StyleNormal Style = "normal"
	StyleMono   Style = "mono"
	StyleQuote  Style = "quote"
)

// ParseStyle maps unknown values to StyleNormal.
func ParseStyle(s string) Style {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case StyleMono:
		return StyleMono
	case StyleQuote:
		return StyleQuote
	default:
		return StyleNormal
	}
}

// ExtractKeyRegex returns the token following "Key -".
func ExtractKeyRegex(text string) (string, bool) {
	m := keyRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractKey tries the "Key -" pattern first, then the first code entity.
func ExtractKey(text string, entities []tgbotapi.MessageEntity) (string, bool) {
	if k, ok := ExtractKeyRegex(text); ok {
		return k, true
	}
	for _, e := range entities {
		if e.Type != "code" {
			continue
		}
		k, ok := entityText(text, e.Offset, e.Length)
		if !ok {
			return "", false
		}
		k = strings.TrimSpace(k)
		return k, k != ""
	}
	return "", false
}

// entityText slices text by UTF-16 offsets as Telegram reports them.
func entityText(text string, offset, length int) (string, bool) {
	if offset < 0 || length <= 0 {
		return "", false
	}
	if !utf8.ValidString(text) {
		return "", false
	}
	units := utf16.Encode([]rune(text))
	end := offset + length
	if end > len(units) {
		return "", false
	}
	return string(utf16.Decode(units[offset:end])), true
}

// ValidateTemplate reports whether tmpl can carry a key.
func ValidateTemplate(tmpl string) error {
	if !strings.Contains(tmpl, Placeholder) {
		return ErrNoPlaceholder
	}
	return nil
}

// ValidateKey enforces the inclusive length bounds on a manually supplied key.
func ValidateKey(key string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(key))
	if n < MinKeyLen || n > MaxKeyLen {
		return ErrKeyLength
	}
	return nil
}

// KeyOnly renders the styled key fragment without any template prose.
func KeyOnly(key string, style Style) string {
	k := html.EscapeString(key)
	switch style {
	case StyleMono:
		return Placeholder + " <code>" + k + "</code>"
	case StyleQuote:
		return "<blockquote>" + Placeholder + " <code>" + k + "</code></blockquote>"
	default:
		return Placeholder + " " + k
	}
}

// ApplyKey replaces the first placeholder in tmpl with the styled key.
func ApplyKey(tmpl, key string, style Style) string {
	return strings.Replace(tmpl, Placeholder, KeyOnly(key, style), 1)
}

// Policy decides which files of a batch carry the full template.
type Policy int

const (
	// AnchorLast gives the last file the full template and the others the key only.
	AnchorLast Policy = iota
	// AnchorLastOnly captions only the last file, with the full template.
	AnchorLastOnly
	// KeyOnLast captions only the last file, with the key only.
	KeyOnLast
)

// ForBatch renders one caption per file. A single file always gets the full template.
func ForBatch(tmpl, key string, style Style, n int, policy Policy) []string {
	out := make([]string, n)
	if n == 0 {
		return out
	}
	full := ApplyKey(tmpl, key, style)
	for i := 0; i < n-1; i++ {
		if policy == AnchorLast {
			out[i] = KeyOnly(key, style)
		}
	}
	switch {
	case n == 1 && policy != KeyOnLast:
		out[0] = full
	case policy == KeyOnLast:
		out[n-1] = KeyOnly(key, style)
	default:
		out[n-1] = full
	}
	return out
}

// EnsurePlaceholder appends the placeholder on its own line when tmpl lacks one.
func EnsurePlaceholder(tmpl string) string {
	if strings.Contains(tmpl, Placeholder) {
		return tmpl
	}
	if tmpl == "" {
		return Placeholder
	}
	return tmpl + "\n" + Placeholder
}

// PostLink builds a public permalink for a channel message, or "" when unknown.
func PostLink(channel string, messageID int) string {
	channel = strings.TrimSpace(channel)
	switch {
	case strings.HasPrefix(channel, "@"):
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(channel, "@"), messageID)
	case strings.HasPrefix(channel, "-100"):
		return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(channel, "-100"), messageID)
	default:
		return ""
	}
}
