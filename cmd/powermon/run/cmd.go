// Main, unattended mode of operation.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/temoto/powermon/cmd/powermon/subcmd"
	"github.com/temoto/powermon/internal/state"
)

var Mod = subcmd.Mod{Name: "run", Usage: "sample, log and publish until terminated", Main: Main}

const stopTimeout = 10 * time.Second

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.PublishExpvar()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		g.Log.Infof("signal %v, stopping", s)
		subcmd.SdNotify(daemon.SdNotifyStopping)
		g.Stop()
	}()

	g.Start()
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("init complete, running")

	<-g.Alive.StopChan()
	if !g.StopWait(stopTimeout) {
		g.Log.Errorf("tasks did not stop in %v", stopTimeout)
	}
	return nil
}
