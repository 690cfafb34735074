package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"owbsend/internal/app"
)

const stopTimeout = 10 * time.Second

var exampleUsage = strings.TrimSpace(`
  owbsend --endpoint /dev/ttyUSB0 --baud 19200 --channels 100
  owbsend --config /etc/owbsend/config.yaml
  owbsend --endpoint stdout --channels 3 --once
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "owbsend",
		Short:         "Broadcast simulated terminal status frames on a serial line",
		Long:          "owbsend generates one status frame per simulated channel on every tick and writes the batch through a shared serial sink, one frame at a time.",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	bindFlags(root.Flags())
	return root
}

func run(cmd *cobra.Command, _ []string) error {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	ov, once, err := overridesFromFlags(cmd.Flags())
	if err != nil {
		return err
	}

	a, err := app.NewApp(cfgPath, app.WithOverrides(ov))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		return err
	}

	if once {
		_, runErr := a.RunOnce(ctx)
		stopErr := stopApp(a, app.StopOnceDone)
		return errors.Join(runErr, stopErr)
	}

	reason := app.StopUnknown
wait:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				a.LogStatus()
				continue
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			default:
				reason = app.StopSIGINT
			}
			break wait
		case <-a.Done():
			reason = app.StopFatalError
			break wait
		}
	}

	stopErr := stopApp(a, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func stopApp(a *app.App, reason app.StopReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.Stop(ctx, reason)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "owbsend:", err)
		os.Exit(1)
	}
}
