package netstack

import (
	"context"
	"io"
	"net"
	"net/netip"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
)

// TCPCallbacks are called on engine goroutine.
// Recv with nil data means remote side closed the connection.
// Err means connection is already released, no further callbacks follow.
type TCPCallbacks struct {
	Connected func()
	Sent      func(n int)
	Recv      func(data []byte)
	Err       func(err error)
}

type tcpState uint8

const (
	tcpNew tcpState = iota
	tcpConnecting
	tcpConnected
	tcpClosed
)

// TCP control block. Methods must run on engine goroutine.
type TCP struct {
	s      *Stack
	cb     TCPCallbacks
	conn   net.Conn
	state  tcpState
	cancel context.CancelFunc
	wq     chan []byte
}

func (s *Stack) NewTCP() *TCP {
	return &TCP{s: s}
}

func (t *TCP) SetCallbacks(cb TCPCallbacks) { t.cb = cb }

// Detach removes all callbacks.
func (t *TCP) Detach() { t.cb = TCPCallbacks{} }

func (t *TCP) Connect(addr netip.AddrPort) error {
	if t.state != tcpNew {
		return errors.Errorf("tcp connect in state=%d", t.state)
	}
	ctx, cancel := context.WithCancel(t.s.ctx)
	t.cancel = cancel
	t.state = tcpConnecting
	ok := t.s.spawn(func() {
		conn, err := t.s.opt.Dialer.DialContext(ctx, "tcp4", addr.String())
		if err != nil {
			err = errors.Annotatef(err, "tcp connect %s", addr)
		}
		if !t.s.post(func() { t.connected(conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	})
	if !ok {
		cancel()
		t.state = tcpClosed
		return ErrClosed
	}
	return nil
}

// Write queues b for sending. Sent callback reports progress.
func (t *TCP) Write(b []byte) error {
	if t.state != tcpConnected {
		return ErrConn
	}
	data := make([]byte, len(b))
	copy(data, b)
	select {
	case t.wq <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close detaches callbacks and shuts connection down gracefully,
// queued data is still sent.
func (t *TCP) Close() error {
	switch t.state {
	case tcpClosed:
		return nil
	case tcpConnected:
		t.state = tcpClosed
		t.Detach()
		close(t.wq)
		return nil
	}
	t.release(false)
	return nil
}

// Abort detaches callbacks and resets connection immediately.
func (t *TCP) Abort() {
	if t.state == tcpClosed {
		return
	}
	t.release(true)
}

func (t *TCP) IsClosed() bool { return t.state == tcpClosed }

func (t *TCP) release(reset bool) {
	wasConnected := t.state == tcpConnected
	t.state = tcpClosed
	t.Detach()
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		if tcp, ok := t.conn.(*net.TCPConn); ok && reset {
			_ = tcp.SetLinger(0)
		}
		t.s.untrack(t.conn)
		_ = t.conn.Close()
	}
	if wasConnected {
		// unblock writer goroutine
		close(t.wq)
	}
}

func (t *TCP) connected(conn net.Conn, err error) {
	if t.state != tcpConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err == nil && !t.s.track(conn) {
		_ = conn.Close()
		err = ErrClosed
	}
	if err != nil {
		cb := t.cb.Err
		t.release(false)
		if cb != nil {
			cb(err)
		}
		return
	}
	t.conn = conn
	t.state = tcpConnected
	t.wq = make(chan []byte, t.s.opt.SendQueue)
	t.s.Stat.Conn.Add(1)
	wq := t.wq
	if !t.s.spawn(func() { t.writer(conn, wq) }) || !t.s.spawn(func() { t.reader(conn) }) {
		t.release(true)
		return
	}
	if t.cb.Connected != nil {
		t.cb.Connected()
	}
}

func (t *TCP) writer(conn net.Conn, wq <-chan []byte) {
	w := helpers.NewStatWriter(conn, &t.s.Stat.TCP.Send.Size, nil)
	for b := range wq {
		err := helpers.WriteAll(w, b)
		t.s.Stat.TCP.Send.Count.Add(1)
		n := len(b)
		if !t.s.post(func() { t.sent(n, err) }) {
			return
		}
		if err != nil {
			return
		}
	}
	// graceful close after queue drained
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	t.s.untrack(conn)
	_ = conn.Close()
}

func (t *TCP) reader(conn net.Conn) {
	buf := make([]byte, recvBufferSize)
	r := helpers.NewStatReader(conn, &t.s.Stat.TCP.Recv.Size, &t.s.Stat.TCP.Recv.Count)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !t.s.post(func() { t.recv(conn, data, nil) }) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				err = errors.Annotate(err, "tcp recv")
			}
			t.s.post(func() { t.recv(conn, nil, err) })
			return
		}
	}
}

func (t *TCP) sent(n int, err error) {
	if t.state != tcpConnected {
		return
	}
	if err != nil {
		t.fail(errors.Annotate(err, "tcp send"))
		return
	}
	if t.cb.Sent != nil {
		t.cb.Sent(n)
	}
}

func (t *TCP) recv(conn net.Conn, data []byte, err error) {
	if t.state != tcpConnected || t.conn != conn {
		return
	}
	switch {
	case data != nil:
		if t.cb.Recv != nil {
			t.cb.Recv(data)
		}
	case err == io.EOF:
		if t.cb.Recv != nil {
			t.cb.Recv(nil)
		}
	default:
		t.fail(err)
	}
}

func (t *TCP) fail(err error) {
	cb := t.cb.Err
	t.release(true)
	if cb != nil {
		cb(err)
	}
}
