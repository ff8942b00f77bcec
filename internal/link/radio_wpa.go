package link

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
)

const wpaPoll = 250 * time.Millisecond

// CommandFunc runs external program and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// WpaRadio drives wpa_supplicant through wpa_cli.
type WpaRadio struct {
	Interface string
	Command   CommandFunc

	mu     sync.Mutex
	sticky State // failure reason from last Connect, cleared by progress
}

var _ Radio = &WpaRadio{}

func NewWpaRadio(iface string) *WpaRadio {
	return &WpaRadio{Interface: iface, Command: execCommand, sticky: stateUnknown}
}

func (r *WpaRadio) cli(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-i", r.Interface}, args...)
	out, err := r.Command(ctx, "wpa_cli", full...)
	if err != nil {
		return "", errors.Annotatef(err, "wpa_cli %s", strings.Join(args, " "))
	}
	return string(bytes.TrimSpace(out)), nil
}

func (r *WpaRadio) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := r.cli(ctx, "ping")
	if err != nil {
		return err
	}
	if out != "PONG" {
		return errors.NotValidf("wpa_cli ping response %q", out)
	}
	return nil
}

func (r *WpaRadio) Status() State {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := r.cli(ctx, "status")
	if err != nil {
		return Failed
	}
	kv := parseKeyValue(out)
	st := wpaState(kv["wpa_state"], kv["ip_address"] != "")

	r.mu.Lock()
	defer r.mu.Unlock()
	switch st {
	case Up, Joining, NoAddress:
		r.sticky = stateUnknown
	case Down:
		if r.sticky != stateUnknown {
			return r.sticky
		}
	}
	return st
}

func wpaState(s string, hasAddress bool) State {
	switch s {
	case "COMPLETED":
		if hasAddress {
			return Up
		}
		return NoAddress
	case "SCANNING", "AUTHENTICATING", "ASSOCIATING", "ASSOCIATED", "4WAY_HANDSHAKE", "GROUP_HANDSHAKE":
		return Joining
	case "DISCONNECTED", "INACTIVE", "INTERFACE_DISABLED":
		return Down
	}
	return Failed
}

func (r *WpaRadio) Connect(ctx context.Context, creds Credentials, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := r.cli(ctx, "remove_network", "all"); err != nil {
		return err
	}
	id, err := r.cli(ctx, "add_network")
	if err != nil {
		return err
	}
	if _, err = strconv.Atoi(id); err != nil {
		return errors.NotValidf("add_network response %q", id)
	}
	set := [][]string{{"ssid", strconv.Quote(creds.SSID)}}
	if creds.Password == "" {
		set = append(set, []string{"key_mgmt", "NONE"})
	} else {
		set = append(set, []string{"psk", strconv.Quote(creds.Password)})
	}
	for _, kv := range set {
		if out, err := r.cli(ctx, "set_network", id, kv[0], kv[1]); err != nil || out != "OK" {
			return errors.Errorf("set_network %s: out=%q err=%v", kv[0], out, err)
		}
	}
	if _, err = r.cli(ctx, "select_network", id); err != nil {
		return err
	}

	last := ""
	for {
		if out, err := r.cli(ctx, "status"); err == nil {
			kv := parseKeyValue(out)
			last = kv["wpa_state"]
			if last == "COMPLETED" {
				return nil
			}
		}
		if !helpers.SleepContext(ctx.Done(), wpaPoll) {
			break
		}
	}

	r.mu.Lock()
	switch last {
	case "4WAY_HANDSHAKE":
		r.sticky = BadAuth
	case "SCANNING", "DISCONNECTED":
		r.sticky = NoNetwork
	}
	r.mu.Unlock()
	return errors.Timeoutf("association last state=%s", last)
}

func (r *WpaRadio) Addr() netip.Addr {
	iface, err := net.InterfaceByName(r.Interface)
	if err != nil {
		return netip.Addr{}
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipn.IP.To4()); ok {
				return ip
			}
		}
	}
	return netip.Addr{}
}

func (r *WpaRadio) RSSI() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := r.cli(ctx, "signal_poll")
	if err != nil {
		return 0, err
	}
	v, ok := parseKeyValue(out)["RSSI"]
	if !ok {
		return 0, errors.NotFoundf("RSSI")
	}
	return strconv.Atoi(v)
}

func parseKeyValue(s string) map[string]string {
	m := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m
}
