package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/arunaabhs/olive_sync/crdt"
)

// State is the observable connection state of a session.
// It is the only surface through which network failures reach the UI;
// they never propagate as errors on the edit path.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// canTransition validates the session state machine:
// Connecting -> Open -> (Degraded <-> Open) -> Closed, plus
// Connecting -> Closed and Degraded -> Closed.
func (s State) canTransition(to State) bool {
	switch s {
	case StateConnecting:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateDegraded || to == StateClosed
	case StateDegraded:
		return to == StateOpen || to == StateClosed
	}
	return false
}

// DeltaHandler receives remote replication deltas.
type DeltaHandler func(file string, payload []byte, originActor string)

// PresenceHandler receives remote presence updates.
type PresenceHandler func(msg *PresenceMessage)

// Config holds session tuning knobs.
type Config struct {
	// InitialBackoff is the first reconnect delay.
	InitialBackoff time.Duration
	// MaxBackoff bounds the exponential reconnect delay.
	MaxBackoff time.Duration
	// FlushTimeout bounds the best-effort queue flush during Close.
	FlushTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		FlushTimeout:   3 * time.Second,
	}
}

// Session is one logical connection per project. It carries replication
// deltas and presence updates, owns the reconnect/backoff policy, and
// queues outbound messages while offline so local edits are never
// dropped. Sending is asynchronous relative to local application and
// never blocks the edit path.
type Session struct {
	project string
	connID  string
	dialer  Dialer
	cfg     Config

	mu         sync.Mutex
	state      State
	conn       Conn
	queue      []*Envelope
	flushWait  chan struct{} // closed by the write loop when the queue drains during Close
	started    bool
	closed     bool
	onDelta    DeltaHandler
	onPresence PresenceHandler
	versions   func() map[string]crdt.VersionVector
	stateSubs  []func(State)

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session for one project. The connection id is
// minted per session and doubles as the presence peer id.
func NewSession(project string, dialer Dialer, cfg Config) *Session {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	return &Session{
		project: project,
		connID:  uuid.NewString(),
		dialer:  dialer,
		cfg:     cfg,
		state:   StateConnecting,
		wake:    make(chan struct{}, 1),
	}
}

// ConnID returns the connection identifier of this session.
func (s *Session) ConnID() string {
	return s.connID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for connection state transitions.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSubs = append(s.stateSubs, fn)
}

// SetDeltaHandler registers the remote delta dispatcher.
func (s *Session) SetDeltaHandler(fn DeltaHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelta = fn
}

// SetPresenceHandler registers the remote presence dispatcher.
func (s *Session) SetPresenceHandler(fn PresenceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPresence = fn
}

// SetVersionsProvider registers the per-file version source reported in
// the hello message so the remote side can replay missed history.
func (s *Session) SetVersionsProvider(fn func() map[string]crdt.VersionVector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = fn
}

// Connect starts the connection loop. It returns immediately; progress
// is observable via OnStateChange. Calling Connect twice is a no-op, so
// reconnect attempts can never create a second concurrent session.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run()
	go s.writeLoop()
	return nil
}

// SendDelta enqueues one replication delta. Never blocks.
func (s *Session) SendDelta(file string, payload []byte, originActor string) {
	s.enqueue(&Envelope{
		Kind:    KindDelta,
		Project: s.project,
		Delta:   &DeltaMessage{FileKey: file, Delta: payload, OriginActor: originActor},
	})
}

// SendPresence enqueues one presence update. A presence update already
// waiting in the queue is replaced rather than queued behind: only the
// latest cursor position matters.
func (s *Session) SendPresence(msg *PresenceMessage) {
	env := &Envelope{Kind: KindPresence, Project: s.project, Presence: msg}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].Kind == KindPresence {
			s.queue[i] = env
			s.mu.Unlock()
			s.signalWake()
			return
		}
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signalWake()
}

// QueueLen returns the number of messages waiting for transmission.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close flushes queued messages best-effort within the flush timeout,
// then tears the session down. Idempotent. In-flight messages for
// already-applied edits are given a chance to drain, never cancelled
// abruptly before the timeout.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var drained chan struct{}
	if s.conn != nil && len(s.queue) > 0 {
		drained = make(chan struct{})
		s.flushWait = drained
	}
	s.mu.Unlock()

	if drained != nil {
		s.signalWake()
		select {
		case <-drained:
		case <-time.After(s.cfg.FlushTimeout):
		}
	}

	s.setState(StateClosed)
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Session) enqueue(env *Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Printf("[Transport] dropping message for closed session %s", s.project)
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signalWake()
}

func (s *Session) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the connection loop: dial, serve, degrade, back off, repeat.
// The initial state stays Connecting until the first successful dial;
// after that, losses transition Open -> Degraded -> Open.
func (s *Session) run() {
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // retry until closed

	for {
		conn, err := s.dialer.Dial(s.ctx, s.project)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Printf("[Transport] dial %s failed, retrying in %v: %v", s.project, wait, err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.sendHello(conn)
		s.setState(StateOpen)
		s.signalWake()

		err = s.readLoop(conn)
		conn.Close()

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()
		if closed || s.ctx.Err() != nil {
			return
		}

		log.Printf("[Transport] connection to %s lost: %v", s.project, err)
		s.setState(StateDegraded)
	}
}

func (s *Session) sendHello(conn Conn) {
	s.mu.Lock()
	versions := s.versions
	s.mu.Unlock()

	hello := &HelloMessage{ConnID: s.connID}
	if versions != nil {
		hello.Versions = versions()
	}
	env := &Envelope{Kind: KindHello, Project: s.project, Hello: hello}
	data, err := env.Encode()
	if err != nil {
		log.Printf("[Transport] encode hello failed: %v", err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("[Transport] send hello failed: %v", err)
	}
}

func (s *Session) readLoop(conn Conn) error {
	for {
		data, err := conn.Receive()
		if err != nil {
			return err
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			log.Printf("[Transport] dropping undecodable message: %v", err)
			continue
		}

		s.mu.Lock()
		onDelta, onPresence := s.onDelta, s.onPresence
		s.mu.Unlock()

		switch env.Kind {
		case KindDelta:
			if onDelta != nil && env.Delta != nil {
				onDelta(env.Delta.FileKey, env.Delta.Delta, env.Delta.OriginActor)
			}
		case KindPresence:
			if onPresence != nil && env.Presence != nil {
				onPresence(env.Presence)
			}
		case KindHello:
			// peer hellos are a server-side concern
		}
	}
}

// writeLoop drains the outbound queue whenever the session is open.
// A failed send leaves the message at the front of the queue; the read
// loop notices the dead connection and the queue is flushed again after
// reconnection. Combined with idempotent merges on the receiving side
// this makes at-least-once redelivery safe.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		s.drain()
	}
}

func (s *Session) drain() {
	for {
		s.mu.Lock()
		if s.state != StateOpen || s.conn == nil || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		conn := s.conn
		s.mu.Unlock()

		data, err := env.Encode()
		if err != nil {
			log.Printf("[Transport] dropping unencodable message: %v", err)
			s.popFront(env)
			continue
		}
		if err := conn.Send(data); err != nil {
			return
		}
		s.popFront(env)
	}
}

func (s *Session) popFront(env *Envelope) {
	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[0] == env {
		s.queue = s.queue[1:]
	}
	if len(s.queue) == 0 && s.flushWait != nil {
		close(s.flushWait)
		s.flushWait = nil
	}
	s.mu.Unlock()
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	if s.state == to {
		s.mu.Unlock()
		return
	}
	if !s.state.canTransition(to) {
		log.Printf("[Transport] BUG: invalid state transition %v -> %v", s.state, to)
		s.mu.Unlock()
		return
	}
	s.state = to
	subs := make([]func(State), len(s.stateSubs))
	copy(subs, s.stateSubs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(to)
	}
}
