package transport

import "sync"

// NewPipe returns two connected in-memory connections.
// Closing either side kills both, mimicking a severed socket.
func NewPipe() (Conn, Conn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeConn{send: a2b, recv: b2a, state: shared},
		&pipeConn{send: b2a, recv: a2b, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	send  chan<- []byte
	recv  <-chan []byte
	state *pipeState
}

func (p *pipeConn) Send(payload []byte) error {
	msg := append([]byte(nil), payload...)
	select {
	case <-p.state.done:
		return ErrConnClosed
	case p.send <- msg:
		return nil
	}
}

func (p *pipeConn) Receive() ([]byte, error) {
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-p.state.done:
		// data buffered before the close is still delivered
		select {
		case msg := <-p.recv:
			return msg, nil
		default:
			return nil, ErrConnClosed
		}
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
