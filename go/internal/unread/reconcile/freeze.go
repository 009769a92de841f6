package reconcile

import (
	"time"

	"github.com/rs/zerolog/log"
)

// freezeSnapshot locks displayed counts for a short window after a channel is
// opened. It is never mutated after creation.
type freezeSnapshot struct {
	expiresAt time.Time
	counts    map[string]int
}

func (s *Store) armFreezeLocked(f *freezeSnapshot, d time.Duration) {
	if s.freezeTimer != nil {
		s.freezeTimer.Stop()
		s.freezeTimer = nil
	}
	if d <= 0 {
		s.freeze = nil
		return
	}
	s.freeze = f
	s.freezeTimer = s.clock.AfterFunc(d, func() { s.expireFreeze(f) })
}

// frozenLocked reports whether the freeze window is still open at now. Reads
// compare against expiresAt so they never depend on timer delivery.
func (s *Store) frozenLocked(now time.Time) bool {
	return s.freeze != nil && now.Before(s.freeze.expiresAt)
}

// expireFreeze runs on the freeze timer and publishes the now-live counts.
func (s *Store) expireFreeze(f *freezeSnapshot) {
	s.mu.Lock()
	if s.closed || s.freeze != f {
		s.mu.Unlock()
		return
	}
	s.freeze = nil
	s.freezeTimer = nil
	log.Debug().Str("channel_id", s.active).Msg("freeze window expired")
	s.commitAndNotify()
}
