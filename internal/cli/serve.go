package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"notifybridge/internal/app"
	logx "notifybridge/pkg/logx"
)

const shutdownTimeout = 8 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), cfgPath, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", `Channel address: "stdio", "unix:/path" or "tcp:host:port" (overrides channel.listen)`)
	return cmd
}

func runServe(parent context.Context, cfgPath, listen string) error {
	if parent == nil {
		parent = context.Background()
	}
	var opts []app.Option
	if listen != "" {
		opts = append(opts, app.WithListen(listen))
	}
	a, err := app.NewApp(cfgPath, opts...)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	log := a.Logger()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("fatal start: %w", err)
	}
	notifySystemd(log, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx, log)
	defer stopWatchdog()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = a.StopReason()
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-parent.Done():
		reason = app.StopAppStop
	}

	notifySystemd(log, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// notifySystemd is a no-op outside a systemd unit with Type=notify.
func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// startWatchdog pings systemd at half the configured WatchdogSec.
func startWatchdog(ctx context.Context, log logx.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				notifySystemd(log, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}
