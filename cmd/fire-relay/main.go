package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/fire-relay/cmd/fire-relay/console"
	"github.com/temoto/fire-relay/cmd/fire-relay/run"
	"github.com/temoto/fire-relay/cmd/fire-relay/subcmd"
	"github.com/temoto/fire-relay/internal/channel"
	"github.com/temoto/fire-relay/internal/state"
	"github.com/temoto/fire-relay/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LInfo)

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
}

func main() {
	flagConfig := flag.String("config", "fire-relay.hcl", "")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [command]\n\nCommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(flag.CommandLine.Output(), "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = run.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LServiceFlags)
	}
	log.Infof("fire-relay version=%s starting %s", BuildVersion, mod.Name)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion

	fs, err := state.NewOsFullReader(".")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	config, err := state.ReadConfig(log, fs, *flagConfig)
	if err != nil {
		if !mod.ConfigOptional {
			log.Fatal(errors.ErrorStack(err))
		}
		log.Debugf("config err=%v", err)
	}
	channel.SetPahoLog(log, config.Local.MqttLogDebug || config.Cloud.MqttLogDebug)

	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
