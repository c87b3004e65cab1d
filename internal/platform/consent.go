package platform

import (
	"context"

	"notifybridge/internal/eventbus"
	"notifybridge/internal/osnotify"
	logx "notifybridge/pkg/logx"
)

// Consent is the variant for systems that require the user's permission
// before displaying. Groupings are categories with actions; foreground
// presentation is decided by the dispatcher.
type Consent struct {
	*core
	provisional bool
}

func (c *Consent) Variant() string { return VariantConsent }

// PermissionRecord is published once the OS answers a permission request.
type PermissionRecord struct {
	Granted bool   `json:"granted"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// RegisterGrouping registers the message category and fires the permission
// request for alert, sound and badge. The outcome is logged, never awaited.
func (c *Consent) RegisterGrouping(ctx context.Context) error {
	_, err := c.ensureGrouping(ctx)

	opts := osnotify.AuthOptions{Alert: true, Sound: true, Badge: true, Provisional: c.provisional}
	c.launcher.Go("authorization", func(ctx context.Context) error {
		granted, aerr := c.svc.RequestAuthorization(ctx, opts)
		rec := PermissionRecord{Granted: granted, Backend: c.svc.Name()}
		switch {
		case aerr != nil:
			rec.Error = aerr.Error()
			c.log.Warn("permission request failed", logx.Err(aerr))
			eventbus.Publish(c.bus, eventbus.TypePermissionFailed, rec)
		case granted:
			c.log.Info("notification permission granted", logx.Bool("provisional", opts.Provisional))
			eventbus.Publish(c.bus, eventbus.TypePermissionGranted, rec)
		default:
			c.log.Info("notification permission denied")
			eventbus.Publish(c.bus, eventbus.TypePermissionDenied, rec)
		}
		return nil
	})
	return err
}

// Present builds a message notification with default sound and the payload
// attached. The presentation options come from the dispatcher, so a
// notification raised while the app is foregrounded still shows a banner.
// Without a prior initialize the category is registered here, but no
// permission is requested.
func (c *Consent) Present(ctx context.Context, msg Message) string {
	// A failed registration is logged; the submit still runs and reports its own outcome.
	g, _ := c.ensureGrouping(ctx)
	req := baseRequest(g, msg)
	req.Presentation = c.disp.WillPresent(req)
	c.log.Debug("presenting", logx.String("id", req.ID), logx.String("category", g.CategoryID), logx.OptString("payload", msg.Payload))
	c.submit(req)
	return req.ID
}
