package federation

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/vault713/grinbox/address"
	"github.com/vault713/grinbox/mailbox"
)

// noopAcknowledger discards Ack/Nack/Reject calls, standing in for the AMQP channel a real
// delivery carries, so handleDelivery can be exercised without a broker connection.
type noopAcknowledger struct{}

func (noopAcknowledger) Ack(uint64, bool) error        { return nil }
func (noopAcknowledger) Nack(uint64, bool, bool) error { return nil }
func (noopAcknowledger) Reject(uint64, bool) error     { return nil }

// recordingSink implements mailbox.Sink, recording every delivered message for assertions.
type recordingSink struct {
	received []mailbox.Message
}

func (s *recordingSink) Deliver(msg mailbox.Message) error {
	s.received = append(s.received, msg)
	return nil
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	require.Equal(t, DefaultExchange, cfg.Exchange)
	require.Equal(t, DefaultDropAfter, cfg.DropAfter)
	require.Equal(t, mailbox.DefaultTTL, cfg.SlateTTL)
}

func TestConfigDefaultsPreservesOverrides(t *testing.T) {
	cfg := Config{Exchange: "custom.exchange", DropAfter: time.Minute, SlateTTL: time.Hour}.withDefaults()

	require.Equal(t, "custom.exchange", cfg.Exchange)
	require.Equal(t, time.Minute, cfg.DropAfter)
	require.Equal(t, time.Hour, cfg.SlateTTL)
}

func TestMsToString(t *testing.T) {
	require.Equal(t, "60000", msToString(time.Minute))
	require.Equal(t, "1", msToString(0))
	require.Equal(t, "1", msToString(-time.Minute))
}

func TestHandleDeliveryStampsReceivedAtOnConsume(t *testing.T) {
	reg := mailbox.New(0, 0)
	b := New(Config{LocalDomain: "local.test", Network: address.Mainnet}, reg)

	to := address.Address{PubKey: newAddr(t).PubKey, Host: "local.test", Port: address.DefaultPort}

	stale := time.Now().Add(-48 * time.Hour)
	data, err := encodeMessage(mailbox.Message{
		From:       newAddr(t),
		To:         to,
		Str:        "ciphertext",
		Signature:  "deadbeef",
		ReceivedAt: stale,
	})
	require.NoError(t, err)

	before := time.Now()
	b.handleDelivery(context.Background(), amqp.Delivery{Body: data, Acknowledger: noopAcknowledger{}})
	after := time.Now()

	require.Equal(t, 1, reg.Depth(to))

	sink := &recordingSink{}
	_, err = reg.Subscribe(to, sink)
	require.NoError(t, err)
	require.Len(t, sink.received, 1)

	got := sink.received[0].ReceivedAt
	require.False(t, got.Before(before), "consumed message must not keep the wire-carried received_at")
	require.False(t, got.After(after))
}
