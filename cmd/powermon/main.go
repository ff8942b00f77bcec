package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/powermon/cmd/powermon/console"
	"github.com/temoto/powermon/cmd/powermon/oneshot"
	"github.com/temoto/powermon/cmd/powermon/run"
	"github.com/temoto/powermon/cmd/powermon/subcmd"
	"github.com/temoto/powermon/internal/state"
	"github.com/temoto/powermon/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)
var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
	oneshot.SyncMod,
	oneshot.PublishMod,
	{Name: "version", Usage: "print build version", Main: versionMain},
}

func main() {
	flags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := flags.String("config", "powermon.hcl", "")
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage: %s [option] command\n\nOptions:\n", os.Args[0])
		flags.PrintDefaults()
		fmt.Fprintf(flags.Output(), "\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flags.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
	}
	_ = flags.Parse(os.Args[1:])

	command := flags.Arg(0)
	if command == "" {
		command = run.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Error(err)
		flags.Usage()
		os.Exit(1)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Debugf("powermon version=%s starting %s", BuildVersion, mod.Name)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)

	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func versionMain(ctx context.Context, config *state.Config) error {
	fmt.Printf("powermon %s\n", BuildVersion)
	return nil
}
