package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Publisher sends the local participant's state to the other members of
// the session. The tracker calls it from its own goroutine.
type Publisher func(st State)

// Config holds tracker tuning knobs.
type Config struct {
	// PublishInterval coalesces rapid local updates: at most one
	// publish per interval, carrying only the latest state.
	PublishInterval time.Duration
	// LivenessWindow is how long a silent peer stays listed before it
	// is treated as gone.
	LivenessWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PublishInterval: 100 * time.Millisecond,
		LivenessWindow:  30 * time.Second,
	}
}

// Tracker maintains the participant roster of one session: the local
// participant's outgoing state and every remote peer's last known
// state. Peers are keyed by connection id, so the same user connected
// twice appears twice. Presence is ephemeral; a state arriving after a
// peer left simply re-adds the peer, and the liveness sweep removes it
// again once it goes silent.
type Tracker struct {
	localConn string
	publish   Publisher
	cfg       Config

	mu      sync.Mutex
	peers   map[string]*State
	pending State
	dirty   bool
	started bool
	onJoin  []func(State)
	onUpd   []func(State)
	onLeave []func(State)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker for the participant identified by
// localConn. Updates from that connection id are ignored, so a client
// never sees itself as a remote peer.
func NewTracker(localConn string, publish Publisher, cfg Config) *Tracker {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultConfig().PublishInterval
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultConfig().LivenessWindow
	}
	return &Tracker{
		localConn: localConn,
		publish:   publish,
		cfg:       cfg,
		peers:     make(map[string]*State),
	}
}

// OnJoin registers a callback fired when a previously unknown peer
// appears.
func (t *Tracker) OnJoin(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onJoin = append(t.onJoin, fn)
}

// OnUpdate registers a callback fired when a known peer's state changes.
func (t *Tracker) OnUpdate(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpd = append(t.onUpd, fn)
}

// OnLeave registers a callback fired when a peer disconnects or goes
// silent past the liveness window.
func (t *Tracker) OnLeave(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLeave = append(t.onLeave, fn)
}

// Start launches the publish/sweep loop. Returns immediately.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop halts the loop. A final coalesced publish, if one is pending,
// is flushed first. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
	t.flush()
}

// PublishLocal records the local participant's state for the next
// publish tick. Rapid successive calls collapse to one outgoing update
// carrying the latest state. Never blocks.
func (t *Tracker) PublishLocal(st State) {
	st.ConnID = t.localConn
	t.mu.Lock()
	t.pending = st
	t.dirty = true
	t.mu.Unlock()
}

// OnRemoteUpdate ingests a presence update received from the session.
func (t *Tracker) OnRemoteUpdate(st State) {
	if st.ConnID == "" || st.ConnID == t.localConn {
		return
	}
	st.LastSeen = time.Now()

	t.mu.Lock()
	_, known := t.peers[st.ConnID]
	stored := st.clone()
	t.peers[st.ConnID] = &stored
	src := t.onJoin
	if known {
		src = t.onUpd
	}
	fns := make([]func(State), len(src))
	copy(fns, src)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// OnPeerDisconnected removes a peer immediately, ahead of the liveness
// sweep. Unknown ids are ignored.
func (t *Tracker) OnPeerDisconnected(connID string) {
	t.mu.Lock()
	st, ok := t.peers[connID]
	if ok {
		delete(t.peers, connID)
	}
	fns := make([]func(State), len(t.onLeave))
	copy(fns, t.onLeave)
	t.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range fns {
		fn(st.clone())
	}
}

// Peers returns the current remote roster, ordered by connection id.
func (t *Tracker) Peers() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, 0, len(t.peers))
	for _, st := range t.peers {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.flush()
			t.sweep()
		}
	}
}

func (t *Tracker) flush() {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	st := t.pending
	t.dirty = false
	publish := t.publish
	t.mu.Unlock()
	if publish != nil {
		publish(st)
	}
}

// sweep drops peers that have been silent past the liveness window.
func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-t.cfg.LivenessWindow)

	t.mu.Lock()
	var gone []State
	for id, st := range t.peers {
		if st.LastSeen.Before(cutoff) {
			gone = append(gone, st.clone())
			delete(t.peers, id)
		}
	}
	fns := make([]func(State), len(t.onLeave))
	copy(fns, t.onLeave)
	t.mu.Unlock()

	for _, st := range gone {
		for _, fn := range fns {
			fn(st)
		}
	}
}
