package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arunaabhs/olive_sync/transport"
)

func testConfig() transport.Config {
	return transport.Config{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		FlushTimeout:   time.Second,
	}
}

// testDialer hands out pipe client ends and keeps the server ends so
// tests can read what was sent and sever connections at will.
type testDialer struct {
	mu     sync.Mutex
	fail   bool
	dials  int
	server []transport.Conn
}

func (d *testDialer) Dial(ctx context.Context, project string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("dialer offline")
	}
	client, server := transport.NewPipe()
	d.server = append(d.server, server)
	return client, nil
}

func (d *testDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *testDialer) lastServer() transport.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.server) == 0 {
		return nil
	}
	return d.server[len(d.server)-1]
}

// collect drains envelopes from a server conn into a shared slice.
func collect(conn transport.Conn, mu *sync.Mutex, out *[]*transport.Envelope) {
	go func() {
		for {
			data, err := conn.Receive()
			if err != nil {
				return
			}
			env, err := transport.DecodeEnvelope(data)
			if err != nil {
				continue
			}
			mu.Lock()
			*out = append(*out, env)
			mu.Unlock()
		}
	}()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycle(t *testing.T) {
	d := &testDialer{}
	s := transport.NewSession("p1", d, testConfig())

	var mu sync.Mutex
	var states []transport.State
	s.OnStateChange(func(st transport.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if s.State() != transport.StateConnecting {
		t.Fatalf("initial state should be connecting, got %v", s.State())
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second connect must be a no-op: %v", err)
	}
	waitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	// sever the connection: session degrades, then reconnects
	d.lastServer().Close()
	waitFor(t, "degraded then open", func() bool {
		mu.Lock()
		defer mu.Unlock()
		sawDegraded := false
		for _, st := range states {
			if st == transport.StateDegraded {
				sawDegraded = true
			}
		}
		return sawDegraded && s.State() == transport.StateOpen
	})

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != transport.StateClosed {
		t.Errorf("state after close should be closed, got %v", s.State())
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close must be a no-op: %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, transport.ErrSessionClosed) {
		t.Errorf("connect after close should fail, got %v", err)
	}
}

// Reconnection safety: a session disconnected with 3 queued deltas
// delivers exactly those 3 after reconnecting, in order.
func TestQueuedDeltasFlushOnConnect(t *testing.T) {
	d := &testDialer{fail: true}
	s := transport.NewSession("p1", d, testConfig())
	s.Connect(context.Background())
	defer s.Close()

	// sends while offline never block and never drop
	s.SendDelta("a.txt", []byte("d1"), "actor")
	s.SendDelta("a.txt", []byte("d2"), "actor")
	s.SendDelta("b.txt", []byte("d3"), "actor")
	if got := s.QueueLen(); got != 3 {
		t.Fatalf("expected 3 queued deltas, got %d", got)
	}
	if s.State() != transport.StateConnecting {
		t.Errorf("state should stay connecting before first success, got %v", s.State())
	}

	d.setFail(false)
	waitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	var mu sync.Mutex
	var got []*transport.Envelope
	collect(d.lastServer(), &mu, &got)

	waitFor(t, "flush", func() bool { return s.QueueLen() == 0 })
	waitFor(t, "3 deltas", func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, env := range got {
			if env.Kind == transport.KindDelta {
				n++
			}
		}
		return n == 3
	})

	mu.Lock()
	defer mu.Unlock()
	var deltas []*transport.DeltaMessage
	for _, env := range got {
		if env.Kind == transport.KindDelta {
			deltas = append(deltas, env.Delta)
		}
	}
	if len(deltas) != 3 {
		t.Fatalf("expected exactly 3 deltas, got %d", len(deltas))
	}
	if string(deltas[0].Delta) != "d1" || string(deltas[1].Delta) != "d2" || string(deltas[2].Delta) != "d3" {
		t.Errorf("deltas out of order: %q %q %q", deltas[0].Delta, deltas[1].Delta, deltas[2].Delta)
	}
	if deltas[2].FileKey != "b.txt" || deltas[2].OriginActor != "actor" {
		t.Errorf("delta metadata wrong: %+v", deltas[2])
	}
}

// Rapid cursor movement collapses to the latest value in the queue.
func TestPresenceCoalescedInQueue(t *testing.T) {
	d := &testDialer{fail: true}
	s := transport.NewSession("p1", d, testConfig())
	s.Connect(context.Background())
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.SendPresence(&transport.PresenceMessage{
			ConnID: s.ConnID(),
			Cursor: &transport.Cursor{Line: i, Column: 0},
		})
	}
	if got := s.QueueLen(); got != 1 {
		t.Errorf("presence updates should coalesce to 1, got %d", got)
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	d := &testDialer{}
	s := transport.NewSession("p1", d, testConfig())
	s.Connect(context.Background())
	waitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	var mu sync.Mutex
	var got []*transport.Envelope
	collect(d.lastServer(), &mu, &got)

	s.SendDelta("a.txt", []byte("last"), "actor")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	waitFor(t, "flushed delta", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, env := range got {
			if env.Kind == transport.KindDelta && string(env.Delta.Delta) == "last" {
				return true
			}
		}
		return false
	})

	// sends after close are dropped, not panicking
	s.SendDelta("a.txt", []byte("late"), "actor")
}

// A peer that stops reading must not hold Close hostage: the flush
// wait gives up after the configured timeout.
func TestCloseTimesOutOnStalledPeer(t *testing.T) {
	d := &testDialer{}
	cfg := testConfig()
	cfg.FlushTimeout = 100 * time.Millisecond
	s := transport.NewSession("p1", d, cfg)
	s.Connect(context.Background())
	waitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	// nobody reads the server end; enough messages to fill the pipe
	for i := 0; i < 200; i++ {
		s.SendDelta("a.txt", []byte("x"), "actor")
	}

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("close should give up after the flush timeout, took %v", elapsed)
	}
	if s.State() != transport.StateClosed {
		t.Errorf("state after close should be closed, got %v", s.State())
	}
}

func TestHelloCarriesConnID(t *testing.T) {
	d := &testDialer{}
	s := transport.NewSession("p1", d, testConfig())
	s.Connect(context.Background())
	defer s.Close()
	waitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	var mu sync.Mutex
	var got []*transport.Envelope
	collect(d.lastServer(), &mu, &got)

	// the hello is sent before the collector attaches on the first conn,
	// so sever and let the session reconnect to observe one
	d.lastServer().Close()
	waitFor(t, "reconnect", func() bool { return s.State() == transport.StateOpen && d.lastServer() != nil })

	var mu2 sync.Mutex
	var got2 []*transport.Envelope
	collect(d.lastServer(), &mu2, &got2)

	waitFor(t, "hello", func() bool {
		mu2.Lock()
		defer mu2.Unlock()
		for _, env := range got2 {
			if env.Kind == transport.KindHello && env.Hello != nil && env.Hello.ConnID == s.ConnID() {
				return true
			}
		}
		return false
	})
}

func TestRemoteDispatch(t *testing.T) {
	d := &testDialer{}
	m := transport.NewManager(d, testConfig())
	defer m.CloseAll()

	var mu sync.Mutex
	var deltas []string
	var presences []*transport.PresenceMessage
	m.SubscribeProject("p1", func(file string, payload []byte, origin string) {
		mu.Lock()
		deltas = append(deltas, file+":"+string(payload)+":"+origin)
		mu.Unlock()
	})
	s := m.Session("p1")
	s.SetPresenceHandler(func(msg *transport.PresenceMessage) {
		mu.Lock()
		presences = append(presences, msg)
		mu.Unlock()
	})
	waitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	server := d.lastServer()
	env := &transport.Envelope{
		Kind:    transport.KindDelta,
		Project: "p1",
		Delta:   &transport.DeltaMessage{FileKey: "a.txt", Delta: []byte("x"), OriginActor: "peer"},
	}
	data, _ := env.Encode()
	server.Send(data)

	penv := &transport.Envelope{
		Kind:     transport.KindPresence,
		Project:  "p1",
		Presence: &transport.PresenceMessage{ConnID: "c2", UserID: "u2", DisplayName: "Peer"},
	}
	pdata, _ := penv.Encode()
	server.Send(pdata)

	waitFor(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deltas) == 1 && len(presences) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if deltas[0] != "a.txt:x:peer" {
		t.Errorf("delta dispatch wrong: %s", deltas[0])
	}
	if presences[0].UserID != "u2" {
		t.Errorf("presence dispatch wrong: %+v", presences[0])
	}
}

func TestManagerSingleSessionPerProject(t *testing.T) {
	d := &testDialer{}
	m := transport.NewManager(d, testConfig())
	defer m.CloseAll()

	s1 := m.Session("p1")
	s2 := m.Session("p1")
	if s1 != s2 {
		t.Errorf("manager must keep at most one live session per project")
	}
	if m.Session("p2") == s1 {
		t.Errorf("different projects must get different sessions")
	}
}

// Late joiners receive retained deltas from the hub.
func TestMemoryHubReplay(t *testing.T) {
	hub := transport.NewMemoryHub()

	a := transport.NewSession("p1", hub, testConfig())
	a.Connect(context.Background())
	defer a.Close()
	waitFor(t, "a open", func() bool { return a.State() == transport.StateOpen })

	a.SendDelta("a.txt", []byte("history"), "actorA")
	waitFor(t, "a flush", func() bool { return a.QueueLen() == 0 })

	b := transport.NewSession("p1", hub, testConfig())
	var mu sync.Mutex
	var got []string
	b.SetDeltaHandler(func(file string, payload []byte, origin string) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	b.Connect(context.Background())
	defer b.Close()

	waitFor(t, "replay", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "history"
	})
}
