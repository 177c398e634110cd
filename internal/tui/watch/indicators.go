package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames once per UI tick so a frozen screen is
// visibly frozen.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const spinnerDots = 5

// Spinner lights all dots when an event arrives and fades them out over
// ten quiet seconds.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func NewSpinner() Spinner {
	return Spinner{}
}

func (s *Spinner) OnEvent() {
	s.dots = spinnerDots
	s.lastEvent = time.Now()
}

// Decay dims the spinner based on time since the last event.
func (s *Spinner) Decay() {
	if s.dots == 0 {
		return
	}
	quiet := time.Since(s.lastEvent)
	switch {
	case quiet > 10*time.Second:
		s.dots = 0
	case quiet > 8*time.Second:
		s.dots = 1
	case quiet > 6*time.Second:
		s.dots = 2
	case quiet > 4*time.Second:
		s.dots = 3
	case quiet > 2*time.Second:
		s.dots = 4
	}
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := 0; i < spinnerDots; i++ {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
