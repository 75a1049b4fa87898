// Package session implements the session actor (component E): one finite-state machine per
// connected WebSocket client, driving challenge-response authentication and dispatching
// Subscribe/Unsubscribe/PostSlate frames to the mailbox registry or federation bridge.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vault713/grinbox/address"
	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/log"
	"github.com/vault713/grinbox/app/z"
	"github.com/vault713/grinbox/challenge"
	"github.com/vault713/grinbox/mailbox"
	"github.com/vault713/grinbox/relayerr"
	"github.com/vault713/grinbox/sigverify"
)

// Federator routes a PostSlate to a foreign relay domain. Implemented by *federation.Bridge;
// declared here, consumer-side, so this package does not need to import federation.
type Federator interface {
	Publish(ctx context.Context, msg mailbox.Message) error
}

// DefaultIdleTimeout is the default session_idle_timeout.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultMaxSlateBytes is the default max_slate_bytes bound.
const DefaultMaxSlateBytes = 256 * 1024

// DefaultMaxSubscriptions is the default max_subscriptions_per_session bound.
const DefaultMaxSubscriptions = 16

// readLimitSlack is added to MaxSlateBytes when bounding the raw WebSocket frame size, to
// leave room for the JSON envelope surrounding the slate string itself.
const readLimitSlack = 4 * 1024

// Config bundles the session actor's tunables, sourced from the process configuration.
type Config struct {
	LocalDomain        string
	Network            address.Network
	MaxSlateBytes      int
	MaxSubscriptions   int
	IdleTimeout        time.Duration
	outboundBufferSize int
}

func (c Config) withDefaults() Config {
	if c.MaxSlateBytes <= 0 {
		c.MaxSlateBytes = DefaultMaxSlateBytes
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.outboundBufferSize <= 0 {
		c.outboundBufferSize = 64
	}

	return c
}

// Conn is the subset of *websocket.Conn a Session depends on, so tests can substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Session is one authenticated WebSocket connection and its subscriptions.
type Session struct {
	id        string
	conn      Conn
	oracle    *challenge.Oracle
	mailboxes *mailbox.Registry
	federator Federator
	cfg       Config

	state atomic.Int32

	mu   sync.Mutex
	subs map[string]*mailbox.Handle // addrKey -> handle

	outbound chan []byte

	chalCh     <-chan string
	chalCancel func()
}

// New returns a session actor for an upgraded connection. Call Run to drive it.
func New(conn Conn, oracle *challenge.Oracle, mailboxes *mailbox.Registry, federator Federator, cfg Config) *Session {
	cfg = cfg.withDefaults()

	conn.SetReadLimit(int64(cfg.MaxSlateBytes + readLimitSlack))

	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		oracle:    oracle,
		mailboxes: mailboxes,
		federator: federator,
		cfg:       cfg,
		subs:      make(map[string]*mailbox.Handle),
		outbound:  make(chan []byte, cfg.outboundBufferSize),
	}
	s.state.Store(int32(StateNew))

	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current FSM state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(v State) {
	s.state.Store(int32(v))
}

// protocolViolation signals a fatal, wire-reportable framing error raised by the reader.
type protocolViolation struct {
	reason string
}

func (e *protocolViolation) Error() string { return e.reason }

// Run drives the session until the connection closes or ctx is cancelled: it greets the peer,
// then multiplexes inbound frames, outbound deliveries, and challenge-rotation broadcasts.
// On return, every subscription the session held has been released from the mailbox registry.
func (s *Session) Run(ctx context.Context) error {
	ctx = log.WithCtx(log.WithTopic(ctx, "session"), z.Str("session_id", s.id))

	defer s.closeAll(ctx)

	s.chalCh, s.chalCancel = s.oracle.Subscribe()
	defer s.chalCancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	s.send(newChallengeFrame(s.oracle.Current()))
	s.setState(StateGreeted)

	frames := make(chan []byte)
	readErrCh := make(chan error, 1)
	go func() {
		defer close(frames)
		readErrCh <- s.readLoop(ctx, frames)
	}()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	finish := func(err error) error {
		s.setState(StateClosed)
		close(s.outbound)
		<-writerDone

		return err
	}

	for {
		select {
		case <-ctx.Done():
			return finish(ctx.Err())

		case frame, ok := <-frames:
			if !ok {
				err := <-readErrCh
				if pv, isPV := err.(*protocolViolation); isPV {
					s.send(newErrorFrame(string(relayerr.ProtocolViolation), pv.reason))
				}

				return finish(err)
			}

			idle.Reset(s.cfg.IdleTimeout)

			if fatal := s.dispatch(ctx, frame); fatal {
				return finish(nil)
			}

		case chal, ok := <-s.chalCh:
			if !ok {
				continue
			}

			idle.Reset(s.cfg.IdleTimeout)
			s.send(newChallengeFrame(chal))

		case <-idle.C:
			return finish(errors.New("session idle timeout"))
		}
	}
}

// readLoop reads frames off the connection and forwards their raw bytes; a non-text frame is
// reported as a protocol violation and ends the loop, matching §4.5/§7's fatal-error handling.
func (s *Session) readLoop(ctx context.Context, out chan<- []byte) error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		if mt != websocket.TextMessage {
			return &protocolViolation{reason: "binary frame on a text channel"}
		}

		select {
		case out <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop is the single writer goroutine gorilla/websocket requires.
func (s *Session) writeLoop(ctx context.Context) {
	for data := range s.outbound {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn(ctx, "write session frame", err)
			return
		}
	}
}

// send enqueues a frame for the writer goroutine without blocking the dispatch loop; a full
// outbound buffer indicates a stalled client and the frame is dropped rather than stalling
// the whole session (mirrors the mailbox's own never-block-on-delivery discipline).
func (s *Session) send(v any) {
	data, err := marshal(v)
	if err != nil {
		return
	}

	select {
	case s.outbound <- data:
	default:
	}
}

func (s *Session) closeAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*mailbox.Handle, 0, len(s.subs))
	for _, h := range s.subs {
		handles = append(handles, h)
	}
	s.subs = make(map[string]*mailbox.Handle)
	s.mu.Unlock()

	for _, h := range handles {
		s.mailboxes.Unsubscribe(h)
	}

	_ = s.conn.Close()
	log.Debug(ctx, "session closed")
}

// Deliver implements mailbox.Sink: it renders the posted message as a Slate frame and enqueues
// it for the writer goroutine, never blocking the mailbox registry's critical section.
func (s *Session) Deliver(msg mailbox.Message) error {
	data, err := marshal(newSlateFrame(msg.From.String(), msg.Str, msg.Challenge, msg.Signature))
	if err != nil {
		return err
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		return errors.New("outbound buffer full")
	}
}

// dispatch decodes one inbound frame and routes it; it returns true if the session must close.
func (s *Session) dispatch(ctx context.Context, raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		s.send(newErrorFrame(string(relayerr.ProtocolViolation), "malformed or untyped frame"))
		return true
	}

	switch env.Type {
	case "Subscribe":
		s.handleSubscribe(ctx, raw)
	case "Unsubscribe":
		s.handleUnsubscribe(raw)
	case "PostSlate":
		s.handlePostSlate(ctx, raw)
	default:
		s.send(newErrorFrame(string(relayerr.UnknownRequest), "unknown request type: "+env.Type))
	}

	return false
}

func (s *Session) handleSubscribe(ctx context.Context, raw []byte) {
	var frame subscribeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.send(newErrorFrame(string(relayerr.UnknownRequest), "malformed Subscribe"))
		return
	}

	addr, err := address.Parse(frame.Address, s.cfg.Network)
	if err != nil {
		s.send(newErrorFrame(string(relayerr.InvalidAddress), err.Error()))
		return
	}

	ok, err := sigverify.VerifySubscribe(addr.PubKey, frame.Signature, s.oracle.Accepted())
	if err != nil || !ok {
		s.send(newErrorFrame(string(relayerr.InvalidSignature), "signature does not verify"))
		return
	}

	s.mu.Lock()
	if len(s.subs) >= s.cfg.MaxSubscriptions {
		s.mu.Unlock()
		s.send(newErrorFrame(string(relayerr.SubscriptionLimit), "max_subscriptions_per_session reached"))
		return
	}
	s.mu.Unlock()

	handle, err := s.mailboxes.Subscribe(addr, s)
	if errors.Is(err, mailbox.ErrSubscriptionLimit) {
		s.send(newErrorFrame(string(relayerr.SubscriptionLimit), "max_subscriptions_per_address reached"))
		return
	} else if err != nil {
		log.Error(ctx, "subscribe", err)
		s.send(newErrorFrame(string(relayerr.InternalError), "subscribe failed"))
		return
	}

	s.mu.Lock()
	s.subs[addrKey(addr)] = handle
	s.mu.Unlock()

	s.setState(StateActive)
	s.send(newOkFrame())
}

func (s *Session) handleUnsubscribe(raw []byte) {
	var frame unsubscribeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.send(newErrorFrame(string(relayerr.UnknownRequest), "malformed Unsubscribe"))
		return
	}

	addr, err := address.Parse(frame.Address, s.cfg.Network)
	if err != nil {
		s.send(newErrorFrame(string(relayerr.InvalidAddress), err.Error()))
		return
	}

	key := addrKey(addr)

	s.mu.Lock()
	handle, ok := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()

	if ok {
		s.mailboxes.Unsubscribe(handle)
	}

	s.send(newOkFrame())
}

func (s *Session) handlePostSlate(ctx context.Context, raw []byte) {
	var frame postSlateFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.send(newErrorFrame(string(relayerr.UnknownRequest), "malformed PostSlate"))
		return
	}

	if len(frame.Str) > s.cfg.MaxSlateBytes {
		s.send(newErrorFrame(string(relayerr.SlateTooLarge), "str exceeds max_slate_bytes"))
		return
	}

	from, err := address.Parse(frame.From, s.cfg.Network)
	if err != nil {
		s.send(newErrorFrame(string(relayerr.InvalidAddress), "invalid from address: "+err.Error()))
		return
	}

	to, err := address.Parse(frame.To, s.cfg.Network)
	if err != nil {
		s.send(newErrorFrame(string(relayerr.InvalidAddress), "invalid to address: "+err.Error()))
		return
	}

	ok, matchedChallenge, err := sigverify.VerifyPostSlate(from.PubKey, frame.Str, frame.Signature, s.oracle.Accepted())
	if err != nil || !ok {
		s.send(newErrorFrame(string(relayerr.InvalidSignature), "signature does not verify"))
		return
	}

	msg := mailbox.Message{
		From:       from,
		To:         to,
		Str:        frame.Str,
		Signature:  frame.Signature,
		Challenge:  matchedChallenge,
		ReceivedAt: time.Now(),
	}

	if to.Domain() == s.cfg.LocalDomain {
		if err := s.mailboxes.Post(msg); err != nil {
			s.send(newErrorFrame(string(relayerr.MailboxFull), err.Error()))
			return
		}
	} else {
		if s.federator == nil {
			s.send(newErrorFrame(string(relayerr.FederationUnavailable), "federation not configured"))
			return
		}

		if err := s.federator.Publish(ctx, msg); err != nil {
			s.send(newErrorFrame(string(relayerr.FederationUnavailable), err.Error()))
			return
		}
	}

	s.setState(StateActive)
	s.send(newOkFrame())
}

func addrKey(a address.Address) string {
	return hex.EncodeToString(a.PubKey.SerializeCompressed())
}
