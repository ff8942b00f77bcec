package resolve

import (
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/powermon/log2"
	"github.com/temoto/powermon/netstack"
	"golang.org/x/net/dns/dnsmessage"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	srv := mockDNS(t, true)
	stack := netstack.New(log, netstack.Options{DNSTimeout: time.Second})
	defer stack.Close()
	r := New(log, stack, srv)

	addr, err := r.Resolve("api.thingspeak.com", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", addr.String())

	// cache hit returns without waiting
	begin := time.Now()
	addr, err = r.Resolve("api.thingspeak.com", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", addr.String())
	assert.True(t, time.Since(begin) < 500*time.Millisecond)

	addr, err = r.Resolve("192.0.2.1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", addr.String())
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	srv := mockDNS(t, true)
	stack := netstack.New(log, netstack.Options{DNSTimeout: time.Second})
	defer stack.Close()
	r := New(log, stack, srv)

	_, err := r.Resolve("nope.invalid", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))
}

func TestResolveTimeoutLateCallback(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	srv := mockDNS(t, false)
	// engine gives up later than caller
	stack := netstack.New(log, netstack.Options{DNSTimeout: 150 * time.Millisecond})
	defer stack.Close()
	r := New(log, stack, srv)

	begin := time.Now()
	_, err := r.Resolve("api.thingspeak.com", 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), errors.ErrorStack(err))
	assert.True(t, time.Since(begin) < 140*time.Millisecond)

	// late engine callback fires into finished query, stack keeps working
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), stack.Stat.DNS.Fail.Value())
	addr, err := r.Resolve("10.0.0.1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr.String())
}

func TestResolveEngineTimeout(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	srv := mockDNS(t, false)
	// engine gives up before caller
	stack := netstack.New(log, netstack.Options{DNSTimeout: 50 * time.Millisecond})
	defer stack.Close()
	r := New(log, stack, srv)

	_, err := r.Resolve("api.thingspeak.com", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), errors.ErrorStack(err))
	assert.False(t, errors.IsNotFound(err))
}

func TestResolveSetsServerEveryCall(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	stack := netstack.New(log, netstack.Options{})
	defer stack.Close()
	r := New(log, stack, netip.AddrPort{})

	require.NoError(t, stack.Call(func() {
		stack.DNS().SetServer(0, netip.MustParseAddrPort("192.0.2.53:53"))
	}))
	_, err := r.Resolve("127.0.0.1", time.Second)
	require.NoError(t, err)
	require.NoError(t, stack.Call(func() {
		assert.Equal(t, DefaultServer, stack.DNS().Server(0))
	}))
}

// mockDNS answers A queries for everything except *.invalid
// or swallows queries when answer=false.
func mockDNS(t testing.TB, answer bool) netip.AddrPort {
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
			if !answer {
				continue
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
			rh := dnsmessage.Header{ID: h.ID, Response: true}
			found := !strings.HasSuffix(q.Name.String(), ".invalid.")
			if !found {
				rh.RCode = dnsmessage.RCodeNameError
			}
			b := dnsmessage.NewBuilder(nil, rh)
			_ = b.StartQuestions()
			_ = b.Question(q)
			if found {
				_ = b.StartAnswers()
				_ = b.AResource(dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: 300}, dnsmessage.AResource{A: [4]byte{198, 51, 100, 4}})
			}
			if resp, err := b.Finish(); err == nil {
				_, _ = conn.WriteToUDP(resp, from)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}
