package netstack

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/powermon/log2"
	"golang.org/x/net/dns/dnsmessage"
)

func TestCallAfterClose(t *testing.T) {
	t.Parallel()
	s := New(log2.NewTest(t, log2.LDebug), Options{})
	called := false
	require.NoError(t, s.Call(func() { called = true }))
	assert.True(t, called)
	require.NoError(t, s.Close())
	assert.Equal(t, ErrClosed, s.Call(func() { t.Error("must not run") }))
}

func TestDNSLiteral(t *testing.T) {
	t.Parallel()
	s := New(log2.NewTest(t, log2.LDebug), Options{})
	defer s.Close()
	var addr netip.Addr
	var err error
	require.NoError(t, s.Call(func() {
		addr, err = s.DNS().GetHostByName("10.1.2.3", nil)
	}))
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", addr.String())
}

func TestDNSQueryCache(t *testing.T) {
	t.Parallel()
	srv := mockDNSServer(t, map[string][4]byte{"api.example.com.": {192, 0, 2, 7}})
	s := New(log2.NewTest(t, log2.LDebug), Options{DNSTimeout: time.Second})
	defer s.Close()

	type result struct {
		addr netip.Addr
		err  error
	}
	ch := make(chan result, 2)
	cb := func(name string, addr netip.Addr, err error) { ch <- result{addr, err} }
	var err1, err2 error
	require.NoError(t, s.Call(func() {
		s.DNS().SetServer(0, srv)
		_, err1 = s.DNS().GetHostByName("api.example.com", cb)
		_, err2 = s.DNS().GetHostByName("API.example.com.", cb)
	}))
	assert.Equal(t, ErrInProgress, err1)
	assert.Equal(t, ErrInProgress, err2)
	for i := 0; i < 2; i++ {
		r := <-ch
		require.NoError(t, r.err)
		assert.Equal(t, "192.0.2.7", r.addr.String())
	}
	assert.Equal(t, int64(1), s.Stat.DNS.Query.Value())

	var addr netip.Addr
	var err error
	require.NoError(t, s.Call(func() {
		addr, err = s.DNS().GetHostByName("api.example.com", func(string, netip.Addr, error) { t.Error("cache hit must not callback") })
	}))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", addr.String())
	assert.Equal(t, int64(1), s.Stat.DNS.Cache.Value())
}

func TestDNSNotFound(t *testing.T) {
	t.Parallel()
	srv := mockDNSServer(t, nil)
	s := New(log2.NewTest(t, log2.LDebug), Options{DNSTimeout: time.Second})
	defer s.Close()
	ch := make(chan error, 1)
	require.NoError(t, s.Call(func() {
		s.DNS().SetServer(0, srv)
		_, err := s.DNS().GetHostByName("missing.example.com", func(_ string, _ netip.Addr, err error) { ch <- err })
		assert.Equal(t, ErrInProgress, err)
	}))
	err := <-ch
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))
}

func TestDNSNoServer(t *testing.T) {
	t.Parallel()
	s := New(log2.NewTest(t, log2.LDebug), Options{})
	defer s.Close()
	require.NoError(t, s.Call(func() {
		_, err := s.DNS().GetHostByName("example.com", nil)
		assert.True(t, errors.IsNotProvisioned(err))
	}))
}

func TestUDPEcho(t *testing.T) {
	t.Parallel()
	echo, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 64)
		n, from, err := echo.ReadFromUDP(buf)
		if err == nil {
			_, _ = echo.WriteToUDP(buf[:n], from)
		}
	}()

	s := New(log2.NewTest(t, log2.LDebug), Options{})
	defer s.Close()
	ch := make(chan string, 1)
	require.NoError(t, s.Call(func() {
		u, err := s.NewUDP()
		if !assert.NoError(t, err) {
			return
		}
		u.Recv(func(data []byte, from netip.AddrPort) {
			ch <- string(data)
			u.Remove()
		})
		assert.NoError(t, u.SendTo([]byte("ping"), echo.LocalAddr().(*net.UDPAddr).AddrPort()))
	}))
	select {
	case s := <-ch:
		assert.Equal(t, "ping", s)
	case <-time.After(5 * time.Second):
		t.Fatal("udp echo timeout")
	}
}

func TestTCPExchange(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 5)
		_, _ = io.ReadFull(conn, buf)
		got <- string(buf)
		_, _ = conn.Write([]byte("world"))
		_ = conn.Close()
	}()

	s := New(log2.NewTest(t, log2.LDebug), Options{})
	defer s.Close()
	recv := make(chan []byte, 4)
	errch := make(chan error, 1)
	var pcb *TCP
	require.NoError(t, s.Call(func() {
		pcb = s.NewTCP()
		pcb.SetCallbacks(TCPCallbacks{
			Connected: func() { assert.NoError(t, pcb.Write([]byte("hello"))) },
			Recv: func(data []byte) {
				recv <- data
				if data == nil {
					_ = pcb.Close()
				}
			},
			Err: func(err error) { errch <- err },
		})
		assert.NoError(t, pcb.Connect(ln.Addr().(*net.TCPAddr).AddrPort()))
	}))
	assert.Equal(t, "hello", <-got)
	var all []byte
	for data := range recv {
		if data == nil {
			break
		}
		all = append(all, data...)
	}
	assert.Equal(t, "world", string(all))
	select {
	case err := <-errch:
		t.Fatalf("unexpected err=%v", err)
	default:
	}
	assert.Equal(t, int64(1), s.Stat.Conn.Value())
	assert.Equal(t, int64(5), s.Stat.TCP.Send.Size.Value())
}

func TestTCPConnectRefused(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr).AddrPort()
	ln.Close()

	s := New(log2.NewTest(t, log2.LDebug), Options{})
	defer s.Close()
	errch := make(chan error, 1)
	require.NoError(t, s.Call(func() {
		pcb := s.NewTCP()
		pcb.SetCallbacks(TCPCallbacks{
			Connected: func() { t.Error("unexpected connected") },
			Err:       func(err error) { errch <- err },
		})
		assert.NoError(t, pcb.Connect(addr))
	}))
	assert.Error(t, <-errch)
}

func TestTCPAbortNoCallbacks(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Write([]byte("late data"))
			time.Sleep(50 * time.Millisecond)
			_ = conn.Close()
		}
	}()

	s := New(log2.NewTest(t, log2.LDebug), Options{})
	defer s.Close()
	require.NoError(t, s.Call(func() {
		pcb := s.NewTCP()
		fail := func() { t.Error("callback after abort") }
		pcb.SetCallbacks(TCPCallbacks{
			Connected: fail,
			Recv:      func([]byte) { fail() },
			Err:       func(error) { fail() },
		})
		assert.NoError(t, pcb.Connect(ln.Addr().(*net.TCPAddr).AddrPort()))
		pcb.Abort()
		assert.True(t, pcb.IsClosed())
	}))
	time.Sleep(100 * time.Millisecond)
}

func mockDNSServer(t testing.TB, records map[string][4]byte) netip.AddrPort {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var p dnsmessage.Parser
			h, err := p.Start(buf[:n])
			if err != nil {
				continue
			}
			q, err := p.Question()
			if err != nil {
				continue
			}
			rh := dnsmessage.Header{ID: h.ID, Response: true, RecursionDesired: true, RecursionAvailable: true}
			a, ok := records[q.Name.String()]
			if !ok {
				rh.RCode = dnsmessage.RCodeNameError
			}
			b := dnsmessage.NewBuilder(nil, rh)
			_ = b.StartQuestions()
			_ = b.Question(q)
			if ok {
				_ = b.StartAnswers()
				_ = b.AResource(dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: 60}, dnsmessage.AResource{A: a})
			}
			resp, err := b.Finish()
			if err == nil {
				_, _ = conn.WriteToUDP(resp, from)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}
