// Interactive diagnostics over running components.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/powermon/cmd/powermon/subcmd"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/helpers/cli"
	"github.com/temoto/powermon/internal/clocksync"
	"github.com/temoto/powermon/internal/state"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "interactive diagnostics", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Start()
	defer g.StopWait(5 * time.Second)
	g.Log.Debugf("console init complete")

	c := New(g, os.Stdout)
	cli.MainLoop("powermon", c.Execute, c.Complete, g.Stop)
	return nil
}

type command struct {
	help string
	f    func(c *Console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":      {"list commands", (*Console).help},
		"status":    {"link and publisher state", (*Console).status},
		"snapshot":  {"latest measurement", (*Console).snapshot},
		"reconnect": {"clear backoff and reconnect now", (*Console).reconnect},
		"sync":      {"synchronize clock with NTP server", (*Console).sync},
		"publish":   {"publish latest measurement now", (*Console).publish},
		"time":      {"soft RTC time", (*Console).time},
	}
}

type Console struct {
	g   *state.Global
	out io.Writer
}

func New(g *state.Global, out io.Writer) *Console {
	return &Console{g: g, out: out}
}

func (c *Console) Execute(line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	cmd, ok := commands[parts[0]]
	if !ok {
		fmt.Fprintf(c.out, "unknown command '%s', try help\n", parts[0])
		return
	}
	tbegin := time.Now()
	if err := cmd.f(c, parts[1:]); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		c.g.Log.Debugf("%s err=%s", parts[0], errors.ErrorStack(err))
	}
	c.g.Log.Debugf("%s duration=%v", parts[0], time.Since(tbegin))
}

func (c *Console) Complete(d prompt.Document) []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(commands))
	for _, name := range commandNames() {
		suggests = append(suggests, prompt.Suggest{Text: name, Description: commands[name].help})
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Console) help([]string) error {
	for _, name := range commandNames() {
		fmt.Fprintf(c.out, "%-10s %s\n", name, commands[name].help)
	}
	return nil
}

func (c *Console) status([]string) error {
	if c.g.Link == nil {
		return errors.NotProvisionedf("link")
	}
	s := c.g.Link.Status()
	fmt.Fprintf(c.out, "link state=%s connected=%t attempt=%d backoff=%v synced=%t addr=%s\n",
		s.State, s.Connected, s.Attempt, s.Backoff, s.Synced, s.Addr)
	if err := c.g.LinkError(); err != nil {
		fmt.Fprintf(c.out, "link disabled: %v\n", err)
	}
	fmt.Fprintf(c.out, "net %s\n", c.g.Stack.Stat.String())
	fmt.Fprintf(c.out, "tele %s\n", c.g.Publisher.Stat.String())
	return nil
}

func (c *Console) snapshot([]string) error {
	snap, ok := c.g.Snapshot.Get()
	if !ok {
		return errors.NotFoundf("valid snapshot")
	}
	fmt.Fprintf(c.out, "V=%.2f V (PU=%.3f) | I=%.3f A | P=%.1f W | t=%d ms\n",
		snap.VoltageRms, snap.PerUnitVoltage, snap.CurrentRms, snap.Power, snap.TimestampMs)
	return nil
}

func (c *Console) reconnect([]string) error {
	if c.g.Link == nil {
		return errors.NotProvisionedf("link")
	}
	c.g.Link.ForceReconnect()
	return nil
}

// sync [server]
func (c *Console) sync(args []string) error {
	server := c.g.Config.NTP.Server
	if server == "" {
		server = state.DefaultNTPServer
	}
	if len(args) > 0 {
		server = args[0]
	}
	timeout := helpers.IntSecondDefault(c.g.Config.NTP.TimeoutSec, clocksync.DefaultTimeout)
	cal, err := c.g.NTP.Sync(server, timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "synchronized: %s\n", cal)
	return nil
}

func (c *Console) publish([]string) error {
	if err := c.g.Publish(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "published\n")
	return nil
}

func (c *Console) time([]string) error {
	fmt.Fprintf(c.out, "%s synced=%t\n", c.g.RTC.Now().Format(time.RFC3339), c.g.RTC.Synced())
	return nil
}
