package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"notifybridge/internal/bridge"
	"notifybridge/internal/channel"
	"notifybridge/internal/notification"
	logx "notifybridge/pkg/logx"
)

type sendOptions struct {
	addr       string
	channel    string
	title      string
	body       string
	payload    string
	hasPayload bool
	initialize bool
	waitTap    time.Duration
	timeout    time.Duration
}

func newSendCmd() *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Show a notification through a running bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.hasPayload = cmd.Flags().Changed("payload")
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runSend(ctx, cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "", `Bridge address ("unix:/path" or "tcp:host:port")`)
	f.StringVar(&o.channel, "channel", channel.DefaultName, "Channel name")
	f.StringVar(&o.title, "title", "", "Notification title")
	f.StringVar(&o.body, "body", "", "Notification body")
	f.StringVar(&o.payload, "payload", "", "Opaque payload returned when the notification is tapped")
	f.BoolVar(&o.initialize, "initialize", true, "Send initialize before showing")
	f.DurationVar(&o.waitTap, "wait-tap", 0, "Wait this long for the notification to be tapped and print its payload")
	f.DurationVar(&o.timeout, "timeout", 5*time.Second, "Timeout per command")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

func runSend(ctx context.Context, out io.Writer, o sendOptions) error {
	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	c, err := channel.Dial(dctx, o.addr, o.channel, logx.Nop())
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	invoke := func(method string, args map[string]any) error {
		ictx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		res, err := c.Invoke(ictx, method, args)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case bridge.OutcomeSuccess:
			return nil
		case bridge.OutcomeNotImplemented:
			return fmt.Errorf("%s: not implemented by the bridge", method)
		default:
			if res.Err == nil {
				return fmt.Errorf("%s failed", method)
			}
			return res.Err
		}
	}

	if o.initialize {
		if err := invoke(bridge.CommandInitialize, nil); err != nil {
			return err
		}
	}
	args := map[string]any{"title": o.title, "body": o.body}
	if o.hasPayload {
		args["payload"] = o.payload
	}
	if err := invoke(bridge.CommandShowNotification, args); err != nil {
		return err
	}
	if o.waitTap <= 0 {
		return nil
	}

	select {
	case ev, ok := <-c.Taps():
		if !ok {
			return fmt.Errorf("bridge closed the session")
		}
		return printTap(out, ev)
	case <-time.After(o.waitTap):
		return fmt.Errorf("no tap within %s", o.waitTap)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printTap(out io.Writer, ev notification.TapEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
