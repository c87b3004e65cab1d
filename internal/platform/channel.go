package platform

import (
	"context"

	"notifybridge/internal/notification"
	logx "notifybridge/pkg/logx"
)

// Channel is the variant for systems that display without consent but
// require a named grouping (a notification channel) to exist first.
type Channel struct {
	*core
}

func (c *Channel) Variant() string { return VariantChannel }

// RegisterGrouping creates the channel synchronously. Repeat calls are
// no-ops once it exists.
func (c *Channel) RegisterGrouping(ctx context.Context) error {
	_, err := c.ensureGrouping(ctx)
	return err
}

// Present builds a high-importance, public message notification whose tap
// opens the app with the payload attached. Bodies over the long-text
// threshold use the expandable style. Without a prior initialize the
// channel is registered here first.
func (c *Channel) Present(ctx context.Context, msg Message) string {
	// A failed registration is logged; the submit still runs and reports its own outcome.
	g, _ := c.ensureGrouping(ctx)
	req := baseRequest(g, msg)
	if notification.IsLongText(msg.Body, c.longText) {
		req.Style = notification.StyleLongText
	}
	c.log.Debug("presenting", logx.String("id", req.ID), logx.String("grouping", g.ID), logx.OptString("payload", msg.Payload))
	c.submit(req)
	return req.ID
}
