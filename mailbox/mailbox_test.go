package mailbox_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vault713/grinbox/address"
	"github.com/vault713/grinbox/mailbox"
)

func newAddr(t *testing.T) address.Address {
	t.Helper()

	priv, err := k1.GeneratePrivateKey()
	require.NoError(t, err)

	return address.Address{PubKey: priv.PubKey(), Host: address.DefaultHost, Port: address.DefaultPort}
}

type recordingSink struct {
	mu       sync.Mutex
	received []mailbox.Message
	fail     bool
}

func (s *recordingSink) Deliver(msg mailbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return fmt.Errorf("sink closed")
	}

	s.received = append(s.received, msg)

	return nil
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.received)
}

func TestFIFOUnderSingleSender(t *testing.T) {
	reg := mailbox.New(0, 0)
	sender := newAddr(t)
	to := newAddr(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Post(mailbox.Message{
			From: sender, To: to, Str: fmt.Sprint(i), ReceivedAt: time.Now(),
		}))
	}

	sink := &recordingSink{}
	_, err := reg.Subscribe(to, sink)
	require.NoError(t, err)

	require.Len(t, sink.received, 5)
	for i, msg := range sink.received {
		require.Equal(t, fmt.Sprint(i), msg.Str)
	}
}

func TestQueueThenSubscribe(t *testing.T) {
	reg := mailbox.New(0, 0)
	sender := newAddr(t)
	to := newAddr(t)

	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "one", ReceivedAt: time.Now()}))
	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "two", ReceivedAt: time.Now()}))

	sink := &recordingSink{}
	_, err := reg.Subscribe(to, sink)
	require.NoError(t, err)

	require.Equal(t, []string{"one", "two"}, []string{sink.received[0].Str, sink.received[1].Str})
}

func TestSubscribeDrainAtomicityUnderConcurrency(t *testing.T) {
	reg := mailbox.New(0, 0)
	sender := newAddr(t)
	to := newAddr(t)

	const n = 200

	var wg sync.WaitGroup
	sink := &recordingSink{}

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n/2; i++ {
			_ = reg.Post(mailbox.Message{From: sender, To: to, Str: fmt.Sprint(i), ReceivedAt: time.Now()})
		}
	}()

	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		_, _ = reg.Subscribe(to, sink)
	}()

	wg.Wait()

	for i := n / 2; i < n; i++ {
		require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: fmt.Sprint(i), ReceivedAt: time.Now()}))
	}

	require.Eventually(t, func() bool {
		return sink.Len() == n
	}, time.Second, time.Millisecond, "every posted message must be delivered to exactly one subscriber")
}

func TestAtMostOneDeliveryAcrossSubscribers(t *testing.T) {
	const subs = 4

	reg := mailbox.New(0, subs)
	sender := newAddr(t)
	to := newAddr(t)
	const msgs = 40

	sinks := make([]*recordingSink, subs)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		_, err := reg.Subscribe(to, sinks[i])
		require.NoError(t, err)
	}

	for i := 0; i < msgs; i++ {
		require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: fmt.Sprint(i), ReceivedAt: time.Now()}))
	}

	seen := make(map[string]int)
	for _, s := range sinks {
		for _, msg := range s.received {
			seen[msg.Str]++
		}
	}

	require.Len(t, seen, msgs)
	for str, count := range seen {
		require.Equal(t, 1, count, "message %s delivered more than once", str)
	}
}

func TestSubscriptionLimitPerAddress(t *testing.T) {
	reg := mailbox.New(0, 1)
	to := newAddr(t)

	_, err := reg.Subscribe(to, &recordingSink{})
	require.NoError(t, err)

	_, err = reg.Subscribe(to, &recordingSink{})
	require.ErrorIs(t, err, mailbox.ErrSubscriptionLimit)
}

func TestMailboxFull(t *testing.T) {
	reg := mailbox.New(2, 0)
	sender := newAddr(t)
	to := newAddr(t)

	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "1", ReceivedAt: time.Now()}))
	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "2", ReceivedAt: time.Now()}))

	err := reg.Post(mailbox.Message{From: sender, To: to, Str: "3", ReceivedAt: time.Now()})
	require.ErrorIs(t, err, mailbox.ErrMailboxFull)
}

func TestExpireDropsStaleMessages(t *testing.T) {
	reg := mailbox.New(0, 0)
	sender := newAddr(t)
	to := newAddr(t)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "stale", ReceivedAt: old}))
	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "fresh", ReceivedAt: time.Now()}))

	reg.Expire(time.Now(), time.Hour)

	require.Equal(t, 1, reg.Depth(to))
}

func TestRunExpiresOnSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := mailbox.New(0, 0)
	sender := newAddr(t)
	to := newAddr(t)

	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "stale", ReceivedAt: clock.Now()}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		reg.Run(ctx, clock, time.Hour)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(2 * time.Hour)

	require.Eventually(t, func() bool {
		return reg.Depth(to) == 0
	}, time.Second, time.Millisecond, "the background loop must expire the stale message without a test calling Expire directly")

	cancel()
	<-done
}

func TestUnsubscribeLeavesUnackedMessagesQueued(t *testing.T) {
	reg := mailbox.New(0, 0)
	sender := newAddr(t)
	to := newAddr(t)

	sink := &recordingSink{fail: true}
	handle, err := reg.Subscribe(to, sink)
	require.NoError(t, err)

	require.NoError(t, reg.Post(mailbox.Message{From: sender, To: to, Str: "one", ReceivedAt: time.Now()}))
	reg.Unsubscribe(handle)

	require.Equal(t, 1, reg.Depth(to))
}
