// Package cli provides the notifybridge command line: serve runs the bridge,
// send talks to a running one.
package cli

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X notifybridge/internal/cli.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

// NewRootCommand builds the command tree. Tests build their own instance.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "notifybridge",
		Short: "Local notification bridge",
		Long: `notifybridge shows OS notifications on behalf of an application and
delivers the payload of a tapped notification back to it.

The application talks to the bridge over a newline-delimited JSON channel
(stdio, unix socket or TCP).`,
		Example: `  # Serve on stdio (the application spawns the bridge)
  notifybridge serve

  # Serve on a unix socket with a config file
  notifybridge serve -c bridge.yaml --listen unix:/run/user/1000/notifybridge.sock

  # Show a notification through a running bridge and wait for the tap
  notifybridge send --addr unix:/run/user/1000/notifybridge.sock \
      --title "New message" --body "Hi" --payload conv-42 --wait-tap 30s`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to config file (JSON or YAML)")

	root.AddCommand(newServeCmd(), newSendCmd(), newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
