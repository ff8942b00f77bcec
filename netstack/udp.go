package netstack

import (
	"net"
	"net/netip"

	"github.com/juju/errors"
)

type UDPRecvFunc func(data []byte, from netip.AddrPort)

// UDP control block. Methods must run on engine goroutine.
type UDP struct {
	s       *Stack
	conn    *net.UDPConn
	recv    UDPRecvFunc
	removed bool
}

// NewUDP binds ephemeral IPv4 port and starts receiving.
func (s *Stack) NewUDP() (*UDP, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, errors.Annotate(err, "udp new")
	}
	if !s.track(conn) {
		_ = conn.Close()
		return nil, ErrClosed
	}
	u := &UDP{s: s, conn: conn}
	if !s.spawn(u.reader) {
		s.untrack(conn)
		_ = conn.Close()
		return nil, ErrClosed
	}
	return u, nil
}

// Recv sets receive callback, nil to ignore datagrams.
func (u *UDP) Recv(f UDPRecvFunc) { u.recv = f }

func (u *UDP) SendTo(b []byte, to netip.AddrPort) error {
	if u.removed {
		return ErrConn
	}
	n, err := u.conn.WriteToUDPAddrPort(b, to)
	if err != nil {
		return errors.Annotatef(err, "udp send to=%s", to)
	}
	u.s.Stat.UDP.Send.Register(n)
	return nil
}

// Remove closes socket. No callback fires after Remove.
func (u *UDP) Remove() {
	if u.removed {
		return
	}
	u.removed = true
	u.recv = nil
	u.s.untrack(u.conn)
	_ = u.conn.Close()
}

func (u *UDP) reader() {
	buf := make([]byte, recvBufferSize)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !u.s.post(func() { u.deliver(data, from) }) {
			return
		}
	}
}

func (u *UDP) deliver(data []byte, from netip.AddrPort) {
	if u.removed {
		return
	}
	u.s.Stat.UDP.Recv.Register(len(data))
	if u.recv != nil {
		u.recv(data, from)
	}
}
