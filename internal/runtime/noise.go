package runtime

import (
	"sync"
	"time"
)

// NoiseBudget rate-limits unsolicited agent messages over a sliding
// one-hour window. Replies to direct questions are never counted; only
// unprompted sends (patrol alerts, proactive insights) consume budget.
type NoiseBudget struct {
	mu         sync.Mutex
	perHour    int
	window     time.Duration
	timestamps []time.Time
	now        func() time.Time
}

func NewNoiseBudget(perHour int) *NoiseBudget {
	if perHour <= 0 {
		perHour = 5
	}
	return &NoiseBudget{
		perHour: perHour,
		window:  time.Hour,
		now:     time.Now,
	}
}

func (b *NoiseBudget) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.timestamps = kept
}

// CanSend reports whether an unsolicited message fits in the budget.
func (b *NoiseBudget) CanSend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.timestamps) < b.perHour
}

// TrySend consumes one unit of budget if available. Returns false, without
// recording, when the budget is exhausted.
func (b *NoiseBudget) TrySend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.prune(now)
	if len(b.timestamps) >= b.perHour {
		return false
	}
	b.timestamps = append(b.timestamps, now)
	return true
}

// Remaining returns how many unsolicited sends are left this hour.
func (b *NoiseBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	if r := b.perHour - len(b.timestamps); r > 0 {
		return r
	}
	return 0
}
