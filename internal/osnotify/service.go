// Package osnotify defines the boundary between the bridge and the OS
// notification subsystem. Backends live in subpackages:
//
//   - dbus: freedesktop notifications on the Linux session bus
//   - beeep: cross-platform fallback without interaction callbacks
//   - telegram: a chat used as a remote notification tray
//   - memory: in-process tray for tests and headless runs
package osnotify

import (
	"context"
	"errors"

	"notifybridge/internal/notification"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("osnotify: service closed")

// AuthOptions describes the capabilities asked for in a permission request.
type AuthOptions struct {
	Alert       bool
	Sound       bool
	Badge       bool
	Provisional bool
}

// Service is the OS notification subsystem as seen by the bridge.
//
// CreateGroup must be idempotent by grouping ID. Add hands the request to the
// OS and returns once it is accepted; display itself is not awaited.
// Responses delivers user interactions; a backend without interaction
// support returns a nil channel.
type Service interface {
	Name() string
	CreateGroup(ctx context.Context, g notification.Grouping) error
	RequestAuthorization(ctx context.Context, opts AuthOptions) (granted bool, err error)
	Add(ctx context.Context, req notification.Request) error
	Responses() <-chan notification.Response
	Close() error
}
