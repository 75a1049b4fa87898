// Package federation bridges PostSlate traffic between grinbox relays that do not share a
// mailbox registry, publishing to and consuming from a shared AMQP broker topic exchange keyed
// by destination domain (component F).
package federation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vault713/grinbox/address"
	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/expbackoff"
	"github.com/vault713/grinbox/app/log"
	"github.com/vault713/grinbox/app/z"
	"github.com/vault713/grinbox/mailbox"
	"github.com/vault713/grinbox/relayerr"
)

// DefaultExchange is the topic exchange every relay in a federation publishes to and binds on.
const DefaultExchange = "grinbox.federation"

// DefaultDropAfter bounds how long Publish retries before giving up, the federation_drop_after
// tunable.
const DefaultDropAfter = 5 * time.Minute

// Config bundles the federation bridge's tunables.
type Config struct {
	BrokerURI     string
	LocalDomain   string
	Network       address.Network
	Exchange      string
	DropAfter     time.Duration
	SlateTTL      time.Duration
	RequireBroker bool
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.DropAfter <= 0 {
		c.DropAfter = DefaultDropAfter
	}
	if c.SlateTTL <= 0 {
		c.SlateTTL = mailbox.DefaultTTL
	}

	return c
}

// Bridge owns the AMQP connection and channel backing federated delivery. A Bridge is safe to
// use as a session.Federator from multiple session goroutines concurrently.
type Bridge struct {
	cfg       Config
	mailboxes *mailbox.Registry

	mu   sync.RWMutex
	ch   *amqp.Channel
	conn *amqp.Connection
}

// New returns a bridge that delivers federated PostSlates destined for LocalDomain into reg.
// Dial is not attempted until Run starts.
func New(cfg Config, reg *mailbox.Registry) *Bridge {
	return &Bridge{cfg: cfg.withDefaults(), mailboxes: reg}
}

// Run dials the broker, declares the federation exchange and this relay's local queue, and
// consumes federated messages until ctx is cancelled, reconnecting with backoff on any broker
// error. It returns nil if ctx is cancelled while consuming, or ctx's error if it is cancelled
// between connection attempts. With RequireBroker set, a failure of the first connection
// attempt is returned immediately instead of retried.
func (b *Bridge) Run(ctx context.Context) error {
	ctx = log.WithTopic(ctx, "federation")

	backoff, reset := expbackoff.NewWithReset(ctx, expbackoff.WithFastConfig())

	first := true
	for ctx.Err() == nil {
		err := b.connectAndConsume(ctx)
		if err == nil {
			return nil
		}

		if first && b.cfg.RequireBroker {
			return errors.Wrap(err, "connect to federation broker")
		}
		first = false

		log.Warn(ctx, "federation broker connection lost, reconnecting", err)
		reset()
		backoff()
	}

	return ctx.Err()
}

// connectAndConsume dials once, declares topology, and blocks consuming until the connection
// drops or ctx is cancelled.
func (b *Bridge) connectAndConsume(ctx context.Context) error {
	conn, err := amqp.Dial(b.cfg.BrokerURI)
	if err != nil {
		return errors.Wrap(err, "dial broker")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare exchange")
	}

	routingKey := strings.ToLower(b.cfg.LocalDomain)

	queueName := "grinbox." + routingKey
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare local queue")
	}

	if err := ch.QueueBind(q.Name, routingKey, b.cfg.Exchange, false, nil); err != nil {
		return errors.Wrap(err, "bind local queue")
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume local queue")
	}

	b.mu.Lock()
	b.conn, b.ch = conn, ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.conn, b.ch = nil, nil
		b.mu.Unlock()
	}()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil

		case cerr := <-closed:
			if cerr == nil {
				return errors.New("federation broker connection closed")
			}

			return errors.Wrap(cerr, "federation broker connection closed")

		case d, ok := <-deliveries:
			if !ok {
				return errors.New("federation delivery channel closed")
			}

			b.handleDelivery(ctx, d)
		}
	}
}

func (b *Bridge) handleDelivery(ctx context.Context, d amqp.Delivery) {
	msg, err := decodeMessage(d.Body, b.cfg.Network)
	if err != nil {
		log.Warn(ctx, "discard malformed federated message", err)
		_ = d.Nack(false, false)

		return
	}

	// Consumed messages always get a fresh local TTL window, regardless of the wire-carried
	// received_at (clock skew or broker/queue delay on the publishing side must not shorten or
	// immediately expire the slate once it lands in this relay's mailbox).
	msg.ReceivedAt = time.Now()

	if err := b.mailboxes.Post(msg); err != nil {
		log.Warn(ctx, "post federated message", err, z.Str("to", msg.To.Domain()))
		_ = d.Nack(false, true)

		return
	}

	_ = d.Ack(false)
}

// Publish implements session.Federator: it retries with exponential backoff bounded by
// federation_drop_after before surfacing a FederationUnavailable error to the caller.
func (b *Bridge) Publish(ctx context.Context, msg mailbox.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return errors.Wrap(err, "encode federated message")
	}

	start := time.Now()
	deadline := start.Add(b.cfg.DropAfter)
	backoff, _ := expbackoff.NewWithReset(ctx, expbackoff.WithConfig(expbackoff.Config{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 1.6,
		Jitter:     0.25,
		MaxDelay:   30 * time.Second,
	}))

	for {
		remaining := msg.ReceivedAt.Add(b.cfg.SlateTTL).Sub(time.Now())

		if err := b.publishOnce(ctx, strings.ToLower(msg.To.Domain()), data, remaining); err == nil {
			publishLatency.Observe(time.Since(start).Seconds())
			return nil
		} else if time.Now().After(deadline) {
			publishFailuresTotal.Inc()
			return relayerr.New(relayerr.FederationUnavailable, "federation_drop_after exceeded: "+err.Error())
		}

		backoff()

		if ctx.Err() != nil {
			publishFailuresTotal.Inc()
			return relayerr.New(relayerr.FederationUnavailable, ctx.Err().Error())
		}
	}
}

func (b *Bridge) publishOnce(ctx context.Context, routingKey string, data []byte, ttlRemaining time.Duration) error {
	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	if ch == nil {
		return errors.New("not connected to federation broker")
	}

	return ch.PublishWithContext(ctx, b.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         data,
		Expiration:   msToString(ttlRemaining),
		DeliveryMode: amqp.Persistent,
	})
}

// msToString renders d as the AMQP Expiration header (milliseconds as a decimal string),
// flooring at 1ms so an already-expired slate's final publish attempt is dropped by the
// broker immediately rather than treated as expiration-less.
func msToString(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	return strconv.FormatInt(ms, 10)
}
