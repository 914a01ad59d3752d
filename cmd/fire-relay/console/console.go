// Operator console: check telemetry payloads the way relay would parse them,
// optionally inject them into local broker as device.
package console

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/cmd/fire-relay/subcmd"
	"github.com/temoto/fire-relay/helpers/cli"
	"github.com/temoto/fire-relay/internal/channel"
	"github.com/temoto/fire-relay/internal/queue"
	"github.com/temoto/fire-relay/internal/relay"
	"github.com/temoto/fire-relay/internal/state"
	"github.com/temoto/fire-relay/internal/telemetry"
	"github.com/temoto/fire-relay/log2"
)

const usage = `syntax: one command per line
- {...}    parse telemetry JSON, print record and cloud payloads
- reset    send alarm reset to device (requires -inject)
- help     this text
`

var flagInject = flag.Bool("inject", false, "console: publish valid payloads to local broker telemetry topic")

var Mod = subcmd.Mod{Name: "console", Usage: "validate or inject telemetry payloads", Main: Main, ConfigOptional: true}

// Injector is local broker side of console.
type Injector interface {
	PublishTelemetry(payload []byte) error
	PublishDevice(subtopic string) error
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	log := log2.ContextValueLogger(ctx)
	var inj Injector
	if *flagInject {
		config.SetDefaults()
		if err := config.Local.Validate(); err != nil {
			return errors.Annotate(err, "console -inject")
		}
		// loopback telemetry is not processed here
		local := channel.NewLocal(log, config.Local, queue.NewMemory(1, queue.DropOldest), g.NewClient)
		timeout := time.Duration(config.ConnectTimeoutSec) * time.Second
		if err := local.Connect(timeout); err != nil {
			return err
		}
		defer local.Close()
		inj = local
	}
	resetSubtopic := config.ResetSubtopic
	if resetSubtopic == "" {
		resetSubtopic = relay.DefaultResetSubtopic
	}
	cli.MainLoop(log, "fire-relay", newExecutor(os.Stdout, log, inj, resetSubtopic), newCompleter())
	return nil
}

func newExecutor(w io.Writer, log *log2.Log, inj Injector, resetSubtopic string) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			return
		case line == "help":
			fmt.Fprint(w, usage)
			return
		case line == "reset":
			if inj == nil {
				log.Errorf("reset requires -inject")
				return
			}
			if err := inj.PublishDevice(resetSubtopic); err != nil {
				log.Error(errors.ErrorStack(err))
				return
			}
			fmt.Fprintf(w, "reset sent\n")
			return
		}

		r, err := telemetry.Parse([]byte(line))
		if err != nil {
			log.Errorf("rejected: %v", err)
			return
		}
		fmt.Fprintf(w, "record %s\n", r.String())
		for _, v := range telemetry.Variables {
			b, err := r.CloudPayload(v)
			if err != nil {
				log.Error(errors.ErrorStack(err))
				return
			}
			fmt.Fprintf(w, "- %s %s\n", v, b)
		}
		if inj != nil {
			if err := inj.PublishTelemetry([]byte(line)); err != nil {
				log.Error(errors.ErrorStack(err))
				return
			}
			fmt.Fprintf(w, "injected\n")
		}
	}
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: `{"temp":25,"gas":100,"flame":false,"alarm":0}`, Description: "quiet reading"},
		{Text: `{"temp":42.5,"gas":120,"flame":true,"alarm":1}`, Description: "fire alarm"},
		{Text: "reset", Description: "send alarm reset to device"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
