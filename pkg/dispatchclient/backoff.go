package dispatchclient

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay grows geometrically from the base, capped, with jitter so a
// fleet of clients does not reconnect in lockstep. attempt counts from 1.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(m.cfg.BackoffBase) * math.Pow(m.cfg.BackoffFactor, float64(attempt-1))
	if capped := float64(m.cfg.BackoffCap); d > capped {
		d = capped
	}
	return m.jitter(time.Duration(d))
}

// defaultJitter spreads the delay by up to ±20%.
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
