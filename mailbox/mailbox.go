// Package mailbox implements the per-address FIFO of undelivered posted messages and the
// exactly-one-handoff delivery to an attached subscriber sink, sharded by address to let
// independent addresses proceed in parallel.
package mailbox

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vault713/grinbox/address"
	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/log"
	"github.com/vault713/grinbox/app/z"
)

// DefaultMaxQueuePerAddress is the default max_queue_per_address bound.
const DefaultMaxQueuePerAddress = 1000

// DefaultTTL is the default slate TTL: one week.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultMaxSubscriptionsPerAddress is the default max_subscriptions_per_address bound; the
// original relay hard-coded exactly one subscriber per address.
const DefaultMaxSubscriptionsPerAddress = 1

// ErrMailboxFull is returned by Post when the destination queue is at its bound.
var ErrMailboxFull = errors.NewSentinel("mailbox full")

// ErrSubscriptionLimit is returned by Subscribe when addr already holds max_subscriptions_per_address sinks.
var ErrSubscriptionLimit = errors.NewSentinel("subscription limit reached")

// Message is a posted slate envelope, created at ingest and destroyed on delivery or TTL expiry.
type Message struct {
	From       address.Address
	To         address.Address
	Str        string
	Signature  string
	Challenge  string
	ReceivedAt time.Time
}

// Sink is a non-owning handle back into the session actor holding a subscription; Deliver
// must not block on application-level processing and must fail synchronously (returning an
// error) rather than silently drop a message it cannot accept right now.
type Sink interface {
	Deliver(Message) error
}

// Handle is returned by Subscribe; releasing it (via Registry.Unsubscribe) removes the sink.
type Handle struct {
	addr address.Address
	id   uint64
}

const shardCount = 64

// Registry is the Address -> mailbox map, sharded to avoid a single global lock.
type Registry struct {
	maxQueue       int
	maxSubsPerAddr int
	shards         [shardCount]*shard
}

type shard struct {
	mu    sync.Mutex
	boxes map[string]*box
}

type box struct {
	mu       sync.Mutex
	queue    []Message
	subs     map[uint64]*subscriber
	nextSubs uint64
}

type subscriber struct {
	sink          Sink
	lastDelivered time.Time
}

// New returns an empty registry with the given max_queue_per_address and
// max_subscriptions_per_address bounds (0 uses each default).
func New(maxQueue, maxSubsPerAddr int) *Registry {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueuePerAddress
	}
	if maxSubsPerAddr <= 0 {
		maxSubsPerAddr = DefaultMaxSubscriptionsPerAddress
	}

	r := &Registry{maxQueue: maxQueue, maxSubsPerAddr: maxSubsPerAddr}
	for i := range r.shards {
		r.shards[i] = &shard{boxes: make(map[string]*box)}
	}

	return r
}

func addrKey(a address.Address) string {
	return hex.EncodeToString(a.PubKey.SerializeCompressed())
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) boxFor(addr address.Address) *box {
	key := addrKey(addr)
	sh := r.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.boxes[key]
	if !ok {
		b = &box{subs: make(map[uint64]*subscriber)}
		sh.boxes[key] = b
	}

	return b
}

// Subscribe adds sink to addr's subscriber set and immediately drains the queue into it in
// FIFO order before returning, so no concurrently posted message can be missed between drain
// and attach.
func (r *Registry) Subscribe(addr address.Address, sink Sink) (*Handle, error) {
	b := r.boxFor(addr)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= r.maxSubsPerAddr {
		return nil, errors.Wrap(ErrSubscriptionLimit, "subscribe", z.Int("max_subscriptions_per_address", r.maxSubsPerAddr))
	}

	for i, msg := range b.queue {
		if err := sink.Deliver(msg); err != nil {
			// Messages already handed to sink leave the queue, so no later subscriber gets them again.
			queuedMessages.Sub(float64(i))
			b.queue = b.queue[i:]

			return nil, errors.Wrap(err, "deliver queued message on subscribe")
		}
		messagesDeliveredTotal.Inc()
	}
	if len(b.queue) > 0 {
		queuedMessages.Sub(float64(len(b.queue)))
	}
	b.queue = nil

	id := b.nextSubs
	b.nextSubs++
	b.subs[id] = &subscriber{sink: sink}

	return &Handle{addr: addr, id: id}, nil
}

// Unsubscribe removes the sink; buffered but un-acknowledged messages remain queued.
func (r *Registry) Unsubscribe(h *Handle) {
	b := r.boxFor(h.addr)

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, h.id)
}

// Post hands msg to the least-recently-delivered subscriber of msg.To, falling back to
// enqueueing if there are none or if delivery fails synchronously. It never blocks on the
// subscriber's application-level processing.
func (r *Registry) Post(msg Message) error {
	b := r.boxFor(msg.To)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) > 0 {
		var chosen *subscriber
		for _, sub := range b.subs {
			if chosen == nil || sub.lastDelivered.Before(chosen.lastDelivered) {
				chosen = sub
			}
		}

		if err := chosen.sink.Deliver(msg); err == nil {
			chosen.lastDelivered = msg.ReceivedAt
			messagesPostedTotal.Inc()
			messagesDeliveredTotal.Inc()
			return nil
		}
	}

	if len(b.queue) >= r.maxQueue {
		return errors.Wrap(ErrMailboxFull, "post", z.Int("depth", len(b.queue)))
	}

	b.queue = append(b.queue, msg)
	messagesPostedTotal.Inc()
	queuedMessages.Inc()

	return nil
}

// Expire removes messages whose ReceivedAt+ttl is before now, across every address.
func (r *Registry) Expire(now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	for _, sh := range r.shards {
		sh.mu.Lock()
		boxes := make([]*box, 0, len(sh.boxes))
		for _, b := range sh.boxes {
			boxes = append(boxes, b)
		}
		sh.mu.Unlock()

		for _, b := range boxes {
			b.mu.Lock()
			kept := b.queue[:0:0]
			for _, msg := range b.queue {
				if now.Sub(msg.ReceivedAt) < ttl {
					kept = append(kept, msg)
				}
			}
			expired := len(b.queue) - len(kept)
			b.queue = kept
			b.mu.Unlock()

			if expired > 0 {
				messagesExpiredTotal.Add(float64(expired))
				queuedMessages.Sub(float64(expired))
			}
		}
	}
}

// Run periodically expires stale messages until ctx is cancelled, checking every ttl/4
// (floored at a minute) so expiry latency stays proportional to the configured TTL. Intended
// to run as an AsyncBackground lifecycle start hook, mirroring the challenge oracle's own loop.
func (r *Registry) Run(ctx context.Context, clock clockwork.Clock, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	ctx = log.WithTopic(ctx, "mailbox")
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Expire(clock.Now(), ttl)
		}
	}
}

// Depth returns the current queue length for addr, for metrics and tests.
func (r *Registry) Depth(addr address.Address) int {
	b := r.boxFor(addr)

	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queue)
}
