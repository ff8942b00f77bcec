// One-shot operations: bring link up, do one thing, exit.
package oneshot

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/cmd/powermon/subcmd"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/internal/clocksync"
	"github.com/temoto/powermon/internal/state"
)

var SyncMod = subcmd.Mod{Name: "sync", Usage: "connect and synchronize clock once", Main: SyncMain}
var PublishMod = subcmd.Mod{Name: "publish", Usage: "connect, sample and publish once", Main: PublishMain}

const (
	connectWait  = 60 * time.Second
	snapshotWait = 10 * time.Second
)

func SyncMain(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := up(ctx, g, config); err != nil {
		return err
	}
	defer g.StopWait(5 * time.Second)

	timeout := helpers.IntSecondDefault(config.NTP.TimeoutSec, clocksync.DefaultTimeout)
	// link manager syncs on link up, wait for it to release the client
	deadline := time.Now().Add(2 * timeout)
	for {
		cal, err := g.NTP.Sync(ntpServer(config), timeout)
		if err == clocksync.ErrBusy && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err != nil {
			return errors.Annotate(err, "sync")
		}
		fmt.Println(cal.String())
		return nil
	}
}

func PublishMain(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := up(ctx, g, config); err != nil {
		return err
	}
	defer g.StopWait(5 * time.Second)

	deadline := time.Now().Add(snapshotWait)
	for {
		if _, ok := g.Snapshot.Get(); ok {
			break
		}
		if time.Now().After(deadline) {
			return errors.Timeoutf("valid snapshot in %v", snapshotWait)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.Annotate(g.Publish(), "publish")
}

// up starts link and sampler without periodic publishing.
func up(ctx context.Context, g *state.Global, config *state.Config) error {
	config.Tele.Enable = false
	config.Datalog.Kind = ""
	if err := g.Init(ctx, config); err != nil {
		return err
	}
	if err := g.LinkError(); err != nil {
		return errors.Annotate(err, "link")
	}
	g.Start()
	if !g.Link.WaitConnected(connectWait) {
		g.StopWait(5 * time.Second)
		return errors.Timeoutf("link up in %v", connectWait)
	}
	return nil
}

func ntpServer(config *state.Config) string {
	if config.NTP.Server != "" {
		return config.NTP.Server
	}
	return state.DefaultNTPServer
}
