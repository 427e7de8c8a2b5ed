package session

import (
	"time"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
)

// Window is a rolling reporting period.
type Window string

const (
	SixHourly Window = "six_hourly"
	Daily     Window = "daily"
	Weekly    Window = "weekly"
	Monthly   Window = "monthly"
)

var Windows = []Window{SixHourly, Daily, Weekly, Monthly}

// Hours is the nominal length of the window, used for the active/inactive flag.
func (w Window) Hours() int {
	switch w {
	case SixHourly:
		return 6
	case Daily:
		return 24
	case Weekly:
		return 168
	default:
		return 720
	}
}

func (w Window) Title() string {
	switch w {
	case SixHourly:
		return "6 HOURS REPORT"
	case Daily:
		return "DAILY REPORT"
	case Weekly:
		return "WEEKLY REPORT"
	default:
		return "MONTHLY REPORT"
	}
}

type Counter struct {
	Keys int `json:"keys"`
	APKs int `json:"apks"`
}

type Stats struct {
	APKs       int                `json:"apk_posted_count"`
	Keys       int                `json:"key_used_count"`
	Windows    map[Window]Counter `json:"windows,omitempty"`
	LastUsed   time.Time          `json:"last_used_time"`
	LastMethod Method             `json:"last_method"`
	LastStyle  caption.Style      `json:"last_style,omitempty"`
}

// Record counts one published key covering apks files.
func (s *Stats) Record(apks int, m Method, style caption.Style, now time.Time) {
	s.APKs += apks
	s.Keys++
	if s.Windows == nil {
		s.Windows = make(map[Window]Counter, len(Windows))
	}
	for _, w := range Windows {
		c := s.Windows[w]
		c.Keys++
		c.APKs += apks
		s.Windows[w] = c
	}
	s.LastUsed = now
	s.LastMethod = m
	s.LastStyle = style
}

func (s *Stats) Window(w Window) Counter {
	return s.Windows[w]
}

func (s *Stats) ResetWindow(w Window) {
	delete(s.Windows, w)
}

// ActiveWithin reports whether the operator posted within the window length.
func (s *Stats) ActiveWithin(w Window, now time.Time) bool {
	if s.LastUsed.IsZero() {
		return false
	}
	return now.Sub(s.LastUsed) <= time.Duration(w.Hours())*time.Hour
}
