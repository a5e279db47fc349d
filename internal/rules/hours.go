// Package rules implements the business rules engine: pure, side-effect-free
// validators invoked by the conversation state machine at defined
// checkpoints. No validator performs I/O.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
)

// Hours answers business-hours questions against the configured weekday
// windows and holiday calendar. It is shared by the preprocessing gate and
// the scheduling validator so the two can never disagree.
type Hours struct {
	loc      *time.Location
	windows  map[time.Weekday][][2]int // open/close minutes since midnight
	holidays map[string]bool           // YYYY-MM-DD
}

// NewHours compiles the business-hours configuration.
func NewHours(cfg config.HoursConfig) (*Hours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	weekdays := map[string]time.Weekday{
		"Sunday": time.Sunday, "Monday": time.Monday, "Tuesday": time.Tuesday,
		"Wednesday": time.Wednesday, "Thursday": time.Thursday,
		"Friday": time.Friday, "Saturday": time.Saturday,
	}

	h := &Hours{
		loc:      loc,
		windows:  make(map[time.Weekday][][2]int),
		holidays: make(map[string]bool),
	}
	for _, w := range cfg.Windows {
		day, ok := weekdays[w.Weekday]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %q", w.Weekday)
		}
		open, err := config.ClockMinutes(w.Open)
		if err != nil {
			return nil, fmt.Errorf("window open %q: %w", w.Open, err)
		}
		close_, err := config.ClockMinutes(w.Close)
		if err != nil {
			return nil, fmt.Errorf("window close %q: %w", w.Close, err)
		}
		if close_ <= open {
			return nil, fmt.Errorf("window for %s closes before it opens", w.Weekday)
		}
		h.windows[day] = append(h.windows[day], [2]int{open, close_})
	}
	for _, d := range cfg.Holidays {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
		h.holidays[d] = true
	}
	return h, nil
}

// IsHoliday reports whether the instant falls on a configured holiday.
func (h *Hours) IsHoliday(t time.Time) bool {
	return h.holidays[t.In(h.loc).Format("2006-01-02")]
}

// Within reports whether the instant falls inside a configured window and
// not on a holiday.
func (h *Hours) Within(t time.Time) bool {
	local := t.In(h.loc)
	if h.IsHoliday(local) {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	for _, w := range h.windows[local.Weekday()] {
		if minutes >= w[0] && minutes < w[1] {
			return true
		}
	}
	return false
}

// SpansWithin reports whether an entire interval falls inside one open
// window on a non-holiday.
func (h *Hours) SpansWithin(start, end time.Time) bool {
	localStart := start.In(h.loc)
	localEnd := end.In(h.loc)
	if !localEnd.After(localStart) {
		return false
	}
	if localStart.Format("2006-01-02") != localEnd.Format("2006-01-02") {
		return false
	}
	if h.IsHoliday(localStart) {
		return false
	}
	startMin := localStart.Hour()*60 + localStart.Minute()
	endMin := localEnd.Hour()*60 + localEnd.Minute()
	for _, w := range h.windows[localStart.Weekday()] {
		if startMin >= w[0] && endMin <= w[1] {
			return true
		}
	}
	return false
}

// Describe renders the configured windows in user-facing Portuguese, for
// example "de segunda a sexta das 9h às 18h e sábado das 9h às 13h".
// Consecutive weekdays sharing the same windows are grouped into a range.
func (h *Hours) Describe() string {
	dayNames := [...]string{"domingo", "segunda", "terça", "quarta", "quinta", "sexta", "sábado"}
	order := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday, time.Sunday}

	type span struct {
		first, last time.Weekday
		windows     string
	}
	var spans []span
	prev := time.Weekday(-1)
	for _, day := range order {
		ws := h.windows[day]
		if len(ws) == 0 {
			prev = time.Weekday(-1)
			continue
		}
		rendered := renderWindows(ws)
		if n := len(spans); n > 0 && day == prev+1 && spans[n-1].windows == rendered {
			spans[n-1].last = day
		} else {
			spans = append(spans, span{first: day, last: day, windows: rendered})
		}
		prev = day
	}

	parts := make([]string, 0, len(spans))
	for _, s := range spans {
		name := dayNames[s.first]
		if s.first != s.last {
			name = "de " + dayNames[s.first] + " a " + dayNames[s.last]
		}
		parts = append(parts, name+" "+s.windows)
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " e " + parts[len(parts)-1]
	}
}

func renderWindows(ws [][2]int) string {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		parts = append(parts, "das "+clockPhrase(w[0])+" às "+clockPhrase(w[1]))
	}
	return strings.Join(parts, " e ")
}

func clockPhrase(minutes int) string {
	if minutes%60 == 0 {
		return fmt.Sprintf("%dh", minutes/60)
	}
	return fmt.Sprintf("%dh%02d", minutes/60, minutes%60)
}

// Location returns the business timezone.
func (h *Hours) Location() *time.Location {
	return h.loc
}

// NextOpening returns the next instant at which business hours begin at or
// after t, scanning up to 14 days ahead.
func (h *Hours) NextOpening(t time.Time) (time.Time, bool) {
	local := t.In(h.loc)
	for day := 0; day < 14; day++ {
		candidate := local.AddDate(0, 0, day)
		if h.IsHoliday(candidate) {
			continue
		}
		for _, w := range h.windows[candidate.Weekday()] {
			open := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), w[0]/60, w[0]%60, 0, 0, h.loc)
			if open.After(local) {
				return open, true
			}
			if day == 0 {
				minutes := local.Hour()*60 + local.Minute()
				if minutes >= w[0] && minutes < w[1] {
					return local, true
				}
			}
		}
	}
	return time.Time{}, false
}
