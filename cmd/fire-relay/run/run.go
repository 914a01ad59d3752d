// Main mode of operation: relay until SIGINT or SIGTERM.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/cmd/fire-relay/subcmd"
	"github.com/temoto/fire-relay/internal/state"
)

var Mod = subcmd.Mod{Name: "run", Usage: "relay telemetry and alarm commands (default)", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		g.Wait()
		return errors.Annotate(err, "init")
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		select {
		case s := <-sigch:
			g.Log.Infof("signal=%v stopping", s)
			subcmd.SdNotify(daemon.SdNotifyStopping)
			g.Stop()
		case <-g.Alive.StopChan():
		}
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("relay running version=%s", g.BuildVersion)
	g.Run()
	if err := g.Err(); err != nil {
		return errors.Annotate(err, "run")
	}
	g.Log.Infof("relay stopped")
	return nil
}
