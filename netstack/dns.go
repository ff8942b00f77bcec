package netstack

import (
	"math/rand"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/juju/errors"
	"golang.org/x/net/dns/dnsmessage"
)

const MaxDNSServers = 2

// DNSCallback is called on engine goroutine.
// err is NotFound for missing name, Timeout when servers did not answer.
type DNSCallback func(name string, addr netip.Addr, err error)

// DNS is asynchronous A record resolver with cache.
// All methods must run on engine goroutine.
type DNS struct {
	s        *Stack
	servers  [MaxDNSServers]netip.AddrPort
	cache    *expirable.LRU[string, netip.Addr]
	inflight map[string][]DNSCallback
	rnd      *rand.Rand
}

func newDNS(s *Stack) *DNS {
	return &DNS{
		s:        s,
		cache:    expirable.NewLRU[string, netip.Addr](s.opt.DNSCacheSize, nil, s.opt.DNSCacheTTL),
		inflight: make(map[string][]DNSCallback),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *DNS) SetServer(idx int, server netip.AddrPort) {
	if idx < 0 || idx >= MaxDNSServers {
		d.s.log.Errorf("dns SetServer idx=%d out of range", idx)
		return
	}
	if server.Port() == 0 {
		server = netip.AddrPortFrom(server.Addr(), 53)
	}
	d.servers[idx] = server
}

func (d *DNS) Server(idx int) netip.AddrPort {
	if idx < 0 || idx >= MaxDNSServers {
		return netip.AddrPort{}
	}
	return d.servers[idx]
}

// GetHostByName returns address immediately for IPv4 literal or cached name.
// Otherwise returns ErrInProgress and later calls cb exactly once.
// Concurrent lookups of the same name share one query.
func (d *DNS) GetHostByName(name string, cb DNSCallback) (netip.Addr, error) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return netip.Addr{}, errors.NotValidf("empty hostname")
	}
	if addr, err := netip.ParseAddr(name); err == nil {
		if !addr.Is4() {
			return netip.Addr{}, errors.NotSupportedf("address family %s", name)
		}
		return addr, nil
	}
	if addr, ok := d.cache.Get(name); ok {
		d.s.Stat.DNS.Cache.Add(1)
		return addr, nil
	}
	if cbs, ok := d.inflight[name]; ok {
		d.inflight[name] = append(cbs, cb)
		return netip.Addr{}, ErrInProgress
	}

	servers := make([]netip.AddrPort, 0, MaxDNSServers)
	for _, srv := range d.servers {
		if srv.IsValid() {
			servers = append(servers, srv)
		}
	}
	if len(servers) == 0 {
		return netip.Addr{}, errors.NotProvisionedf("dns server")
	}
	id := uint16(d.rnd.Intn(1 << 16))
	timeout := d.s.opt.DNSTimeout
	d.inflight[name] = []DNSCallback{cb}
	d.s.Stat.DNS.Query.Add(1)
	ok := d.s.spawn(func() {
		addr, ttl, err := d.query(servers, name, id, timeout)
		d.s.post(func() { d.done(name, addr, ttl, err) })
	})
	if !ok {
		delete(d.inflight, name)
		return netip.Addr{}, ErrClosed
	}
	return netip.Addr{}, ErrInProgress
}

func (d *DNS) done(name string, addr netip.Addr, ttl time.Duration, err error) {
	cbs := d.inflight[name]
	delete(d.inflight, name)
	if err != nil {
		d.s.Stat.DNS.Fail.Add(1)
		d.s.log.Debugf("dns name=%s err=%v", name, err)
	} else if ttl > 0 {
		d.cache.Add(name, addr)
	}
	for _, cb := range cbs {
		if cb != nil {
			cb(name, addr, err)
		}
	}
}

// query runs in helper goroutine.
func (d *DNS) query(servers []netip.AddrPort, name string, id uint16, timeout time.Duration) (netip.Addr, time.Duration, error) {
	req, err := buildQuery(name, id)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	var errs []error
	for _, srv := range servers {
		addr, ttl, err := d.exchange(srv, req, name, id, timeout)
		if err == nil || errors.IsNotFound(err) {
			return addr, ttl, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 1 {
		return netip.Addr{}, 0, errs[0]
	}
	return netip.Addr{}, 0, errors.Errorf("dns name=%s all servers failed: %v", name, errs)
}

func (d *DNS) exchange(srv netip.AddrPort, req []byte, name string, id uint16, timeout time.Duration) (netip.Addr, time.Duration, error) {
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(srv))
	if err != nil {
		return netip.Addr{}, 0, errors.Annotatef(err, "dns dial %s", srv)
	}
	if !d.s.track(conn) {
		_ = conn.Close()
		return netip.Addr{}, 0, ErrClosed
	}
	defer d.s.untrack(conn)
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err = conn.Write(req); err != nil {
		return netip.Addr{}, 0, errors.Annotatef(err, "dns send %s", srv)
	}
	d.s.Stat.UDP.Send.Register(len(req))
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if e, ok := err.(net.Error); ok && e.Timeout() {
				return netip.Addr{}, 0, errors.Timeoutf("dns server=%s name=%s", srv, name)
			}
			return netip.Addr{}, 0, errors.Annotatef(err, "dns recv %s", srv)
		}
		d.s.Stat.UDP.Recv.Register(n)
		addr, ttl, err := parseAnswer(buf[:n], id)
		if err == errMismatch {
			continue
		}
		if errors.IsNotFound(err) {
			return netip.Addr{}, 0, errors.NotFoundf("dns name=%s", name)
		}
		return addr, ttl, err
	}
}

var errMismatch = errors.New("dns response id mismatch")

func buildQuery(name string, id uint16) ([]byte, error) {
	qname, err := dnsmessage.NewName(name + ".")
	if err != nil {
		return nil, errors.NotValidf("hostname %q", name)
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{ID: id, RecursionDesired: true})
	b.EnableCompression()
	if err = b.StartQuestions(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = b.Question(dnsmessage.Question{Name: qname, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}); err != nil {
		return nil, errors.Trace(err)
	}
	msg, err := b.Finish()
	return msg, errors.Trace(err)
}

func parseAnswer(b []byte, id uint16) (netip.Addr, time.Duration, error) {
	var p dnsmessage.Parser
	h, err := p.Start(b)
	if err != nil {
		return netip.Addr{}, 0, errors.NotValidf("dns response: %v", err)
	}
	if !h.Response || h.ID != id {
		return netip.Addr{}, 0, errMismatch
	}
	switch h.RCode {
	case dnsmessage.RCodeSuccess:
	case dnsmessage.RCodeNameError:
		return netip.Addr{}, 0, errors.NotFoundf("name")
	default:
		return netip.Addr{}, 0, errors.Errorf("dns rcode=%s", h.RCode)
	}
	if err = p.SkipAllQuestions(); err != nil {
		return netip.Addr{}, 0, errors.NotValidf("dns response: %v", err)
	}
	for {
		ah, err := p.AnswerHeader()
		if err == dnsmessage.ErrSectionDone {
			return netip.Addr{}, 0, errors.NotFoundf("A record")
		}
		if err != nil {
			return netip.Addr{}, 0, errors.NotValidf("dns response: %v", err)
		}
		if ah.Type != dnsmessage.TypeA || ah.Class != dnsmessage.ClassINET {
			if err = p.SkipAnswer(); err != nil {
				return netip.Addr{}, 0, errors.NotValidf("dns response: %v", err)
			}
			continue
		}
		r, err := p.AResource()
		if err != nil {
			return netip.Addr{}, 0, errors.NotValidf("dns response: %v", err)
		}
		return netip.AddrFrom4(r.A), time.Duration(ah.TTL) * time.Second, nil
	}
}
