// Package challenge implements the relay-wide rotating authentication
// challenge that session actors ask clients to sign over.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/log"
)

// DefaultInterval is the default challenge_rotation_interval.
const DefaultInterval = 60 * time.Second

const randBytes = 32

// snapshot is the atomically-swapped (current, previous) pair; readers never block writers.
type snapshot struct {
	current  string
	previous string
}

// Oracle holds the current relay-wide challenge and the previous one for a one-rotation
// grace window, and broadcasts rotations to subscribers (live sessions).
type Oracle struct {
	clock clockwork.Clock
	snap  atomic.Pointer[snapshot]

	mu   sync.Mutex
	subs map[int]chan string
	next int
}

// New returns an Oracle seeded with a freshly drawn challenge.
func New(clock clockwork.Clock) (*Oracle, error) {
	first, err := randomChallenge()
	if err != nil {
		return nil, err
	}

	o := &Oracle{
		clock: clock,
		subs:  make(map[int]chan string),
	}
	o.snap.Store(&snapshot{current: first})

	return o, nil
}

// Current returns the current challenge.
func (o *Oracle) Current() string {
	return o.snap.Load().current
}

// Accepts reports whether s is the current or the previous challenge.
func (o *Oracle) Accepts(s string) bool {
	snap := o.snap.Load()
	return s == snap.current || s == snap.previous
}

// Accepted returns the set of currently accepted challenges: the current one, and the
// previous one during its one-rotation grace window.
func (o *Oracle) Accepted() []string {
	snap := o.snap.Load()
	if snap.previous == "" {
		return []string{snap.current}
	}

	return []string{snap.current, snap.previous}
}

// Rotate draws a fresh challenge, shifts the old current to previous (discarding
// whatever previous held), and notifies subscribers. Returns the new current.
func (o *Oracle) Rotate() (string, error) {
	fresh, err := randomChallenge()
	if err != nil {
		return "", err
	}

	old := o.snap.Load()
	o.snap.Store(&snapshot{current: fresh, previous: old.current})

	o.broadcast(fresh)
	rotationsTotal.Inc()

	return fresh, nil
}

// Subscribe registers for rotation notifications; call the returned cancel function
// when the subscriber (session) closes.
func (o *Oracle) Subscribe() (<-chan string, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.next
	o.next++

	ch := make(chan string, 1)
	o.subs[id] = ch

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
		close(ch)
	}

	return ch, cancel
}

func (o *Oracle) broadcast(fresh string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, ch := range o.subs {
		select {
		case ch <- fresh:
		default:
			// Slow subscriber; it will pick up the latest via Current() anyway.
		}
	}
}

// Run drives periodic rotation until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx = log.WithTopic(ctx, "challenge")
	ticker := o.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := o.Rotate(); err != nil {
				log.Error(ctx, "rotate challenge", err)
			}
		}
	}
}

func randomChallenge() (string, error) {
	b := make([]byte, randBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random challenge")
	}

	return hex.EncodeToString(b), nil
}
