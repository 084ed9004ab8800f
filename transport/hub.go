package transport

import (
	"context"
	"sync"
)

// MemoryHub is an in-process collaboration endpoint implementing Dialer.
// Each Dial joins the project's room; a message sent by one member is
// delivered to every other member. Replication deltas are additionally
// retained and replayed to late joiners, standing in for server-side
// catch-up. Used by tests and the demo; production dials a real server
// through WebSocketDialer.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[string]*hubRoom
}

type hubRoom struct {
	members map[*hubConn]bool
	backlog [][]byte // retained deltas for late joiners
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[string]*hubRoom)}
}

// Dial joins the project room and replays retained deltas.
func (h *MemoryHub) Dial(ctx context.Context, project string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[project]
	if !ok {
		room = &hubRoom{members: make(map[*hubConn]bool)}
		h.rooms[project] = room
	}

	c := &hubConn{
		hub:   h,
		room:  room,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	for _, msg := range room.backlog {
		select {
		case c.inbox <- msg:
		default:
		}
	}
	room.members[c] = true
	return c, nil
}

type hubConn struct {
	hub   *MemoryHub
	room  *hubRoom
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *hubConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	msg := append([]byte(nil), payload...)

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	// Only deltas are worth replaying to late joiners; hello and
	// presence messages are ephemeral.
	if env, err := DecodeEnvelope(msg); err == nil && env.Kind == KindDelta {
		c.room.backlog = append(c.room.backlog, msg)
	}
	for m := range c.room.members {
		if m == c {
			continue
		}
		select {
		case m.inbox <- msg:
		default:
			// slow consumer, drop; redelivery is the session's concern
		}
	}
	return nil
}

func (c *hubConn) Receive() ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrConnClosed
	case msg := <-c.inbox:
		return msg, nil
	}
}

func (c *hubConn) Close() error {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.room.members, c)
		c.hub.mu.Unlock()
		close(c.done)
	})
	return nil
}
