package ratelimit

import (
	"sync"
	"time"
)

// Category names one of the independently-limited call classes.
type Category int

const (
	// Requests covers general client traffic (HTTP routes, direct calls).
	Requests Category = iota
	// Mailbox covers calls into the mailbox provider.
	Mailbox
	// AI covers calls into the conversational/summarization service.
	AI

	numCategories
)

func (c Category) String() string {
	switch c {
	case Requests:
		return "requests"
	case Mailbox:
		return "mailbox"
	case AI:
		return "ai"
	default:
		return "unknown"
	}
}

type Config struct {
	// Window is the sliding-window width shared by all categories.
	Window time.Duration

	// Per-category admission ceilings within one window.
	MaxRequests int
	MaxMailbox  int
	MaxAI       int

	// SweepInterval bounds how often empty identities are garbage-collected.
	SweepInterval time.Duration
}

// Limiter is a per-identity sliding-window admission controller. State is
// in-process only; each identity holds one ordered timestamp list per
// category, evicted lazily on every check.
type Limiter struct {
	cfg Config

	mu        sync.Mutex
	m         map[string]*window
	lastSweep time.Time
}

type window struct {
	stamps [numCategories][]time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*window),
	}
}

// Allow reports whether one more call in the category is admitted for the
// identity right now, recording the call if so. Rejected calls are not
// recorded.
func (l *Limiter) Allow(identity string, cat Category) bool {
	return l.AllowAt(identity, cat, time.Now())
}

// AllowAt is Allow with an explicit clock, for tests and replay.
func (l *Limiter) AllowAt(identity string, cat Category, now time.Time) bool {
	if l == nil || cat < 0 || cat >= numCategories {
		return false
	}
	ceiling := l.ceiling(cat)
	if ceiling <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweepLocked(now)

	w := l.m[identity]
	if w == nil {
		w = &window{}
		l.m[identity] = w
	}

	cutoff := now.Add(-l.cfg.Window)
	stamps := w.stamps[cat]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
	}

	if len(stamps) >= ceiling {
		w.stamps[cat] = stamps
		return false
	}
	w.stamps[cat] = append(stamps, now)
	return true
}

func (l *Limiter) ceiling(cat Category) int {
	switch cat {
	case Requests:
		return l.cfg.MaxRequests
	case Mailbox:
		return l.cfg.MaxMailbox
	case AI:
		return l.cfg.MaxAI
	default:
		return 0
	}
}

// maybeSweepLocked drops identities with no in-window entries across all
// categories. Runs at most once per SweepInterval so per-call cost stays
// amortized.
func (l *Limiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.SweepInterval {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-l.cfg.Window)
	for id, w := range l.m {
		live := false
		for cat := range w.stamps {
			stamps := w.stamps[cat]
			i := 0
			for i < len(stamps) && !stamps[i].After(cutoff) {
				i++
			}
			if i > 0 {
				w.stamps[cat] = append(stamps[:0], stamps[i:]...)
			}
			if len(w.stamps[cat]) > 0 {
				live = true
			}
		}
		if !live {
			delete(l.m, id)
		}
	}
}

// Identities returns the number of identities currently tracked.
func (l *Limiter) Identities() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
