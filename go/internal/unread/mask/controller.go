// Package mask implements badge suppression ahead of the next committed store
// state. Masking is an optimization only: the reconcile store stays the source
// of truth and every mask is eventually lifted by the store or the failsafe.
package mask

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/unread/go/internal/unread/reconcile"
	"github.com/rs/zerolog/log"
)

// DefaultFailsafe is how long a badge may stay hidden without the store
// confirming a zero.
const DefaultFailsafe = 2 * time.Second

// Config holds configuration for the mask controller
type Config struct {
	Failsafe time.Duration
	Clock    clockwork.Clock
}

// DefaultConfig returns default mask configuration
func DefaultConfig() Config {
	return Config{
		Failsafe: DefaultFailsafe,
		Clock:    clockwork.NewRealClock(),
	}
}

type entry struct {
	timer clockwork.Timer
	gen   uint64
}

type change struct {
	channelID string
	masked    bool
}

// Controller tracks which channel badges are hidden.
type Controller struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	failsafe time.Duration

	masked      map[string]*entry
	gen         uint64
	lastVersion uint64
	onChange    func(channelID string, masked bool)
}

// NewController creates a controller with no masked channels.
func NewController(cfg Config) *Controller {
	if cfg.Failsafe <= 0 {
		cfg.Failsafe = DefaultFailsafe
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Controller{
		clock:    cfg.Clock,
		failsafe: cfg.Failsafe,
		masked:   make(map[string]*entry),
	}
}

// OnChange sets the callback invoked whenever a channel is masked or revealed.
// The callback runs outside the controller lock, possibly on a timer goroutine.
func (c *Controller) OnChange(fn func(channelID string, masked bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// HideNow masks channelID and (re)arms its failsafe reveal.
func (c *Controller) HideNow(channelID string) {
	if channelID == "" {
		return
	}

	c.mu.Lock()
	e, already := c.masked[channelID]
	if already {
		e.timer.Stop()
	} else {
		e = &entry{}
		c.masked[channelID] = e
	}
	c.gen++
	e.gen = c.gen
	gen := e.gen
	e.timer = c.clock.AfterFunc(c.failsafe, func() { c.expire(channelID, gen) })
	fn := c.onChange
	c.mu.Unlock()

	if !already && fn != nil {
		fn(channelID, true)
	}
}

// ShowNow lifts the mask on channelID.
func (c *Controller) ShowNow(channelID string) {
	c.mu.Lock()
	revealed := c.revealLocked(channelID)
	fn := c.onChange
	c.mu.Unlock()

	if revealed && fn != nil {
		fn(channelID, false)
	}
}

// IsMasked reports whether the badge for channelID should be suppressed.
func (c *Controller) IsMasked(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.masked[channelID]
	return ok
}

// maskedIDs returns the currently masked channel ids.
func (c *Controller) maskedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.masked))
	for id := range c.masked {
		out = append(out, id)
	}
	return out
}

// Observe reveals masked channels that the committed store state shows at
// zero or as the active channel. Snapshots older than one already observed are
// ignored.
func (c *Controller) Observe(snap reconcile.Snapshot) {
	c.mu.Lock()
	if snap.Version != 0 && snap.Version < c.lastVersion {
		c.mu.Unlock()
		return
	}
	c.lastVersion = snap.Version

	var changes []change
	for channelID := range c.masked {
		if channelID != snap.Active && snap.Display[channelID] != 0 {
			continue
		}
		if c.revealLocked(channelID) {
			changes = append(changes, change{channelID: channelID})
		}
	}
	fn := c.onChange
	c.mu.Unlock()

	if fn == nil {
		return
	}
	for _, ch := range changes {
		fn(ch.channelID, ch.masked)
	}
}

// ResetAllState stops every failsafe timer and forgets all masks without
// notifying. Used when the viewer identity changes.
func (c *Controller) ResetAllState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.masked {
		e.timer.Stop()
		delete(c.masked, id)
	}
	c.lastVersion = 0
}

func (c *Controller) revealLocked(channelID string) bool {
	e, ok := c.masked[channelID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(c.masked, channelID)
	return true
}

func (c *Controller) expire(channelID string, gen uint64) {
	c.mu.Lock()
	e, ok := c.masked[channelID]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.masked, channelID)
	fn := c.onChange
	c.mu.Unlock()

	log.Warn().
		Str("channel_id", channelID).
		Msg("badge mask not confirmed by store, revealing")
	if fn != nil {
		fn(channelID, false)
	}
}
