package authsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/authsync-go/docstream"
	"github.com/ggoodman/authsync-go/identity"
	"github.com/ggoodman/authsync-go/internal/fanout"
)

// Alert is one entry of the configuration document's alerts list.
type Alert map[string]any

// Actions receives the application-level updates produced by Start.
// Each method is called from a delivery goroutine; an error is logged and
// does not affect later calls.
type Actions interface {
	Login(ctx context.Context, user identity.User) error
	Logout(ctx context.Context) error
	NewVersionAvailable(ctx context.Context, version string) error
	UpdateAlerts(ctx context.Context, alerts []Alert) error
	UpdateFeatureFlags(ctx context.Context, flags map[string]any) error
}

// Start dispatches auth changes and configuration updates to actions until
// the returned Subscription is cancelled. ctx supplies values to the
// dispatched calls; its cancellation is not observed.
func (c *Client) Start(ctx context.Context, actions Actions) (*Subscription, error) {
	ctx = context.WithoutCancel(ctx)

	auth, err := c.OnAuthChange(func(user identity.User) error {
		if user != nil {
			return actions.Login(ctx, user)
		}
		return actions.Logout(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("watching auth state: %w", err)
	}

	c.log.InfoContext(ctx, "bootstrap.configuration.watch", slog.String("path", c.cfg.ConfigurationPath))
	conf, err := c.WatchConfiguration(c.cfg.ConfigurationPath,
		c.onDocument(ctx, "configuration", func(n docstream.Notification) error {
			var doc struct {
				Version string `json:"version"`
			}
			if err := docstream.Decode(n, &doc); err != nil {
				return err
			}
			return actions.NewVersionAvailable(ctx, doc.Version)
		}),
		c.onDocument(ctx, "configuration", func(n docstream.Notification) error {
			var doc struct {
				Alerts []Alert `json:"alerts"`
			}
			if err := docstream.Decode(n, &doc); err != nil {
				return err
			}
			return actions.UpdateAlerts(ctx, doc.Alerts)
		}),
	)
	if err != nil {
		auth.Cancel()
		return nil, fmt.Errorf("watching configuration: %w", err)
	}

	subs := []*Subscription{auth, conf}
	if c.cfg.WatchFeatureFlags {
		c.log.InfoContext(ctx, "bootstrap.feature_flags.watch", slog.String("path", c.cfg.FeatureFlagsPath))
		flags, err := c.WatchConfiguration(c.cfg.FeatureFlagsPath,
			c.onDocument(ctx, "feature flags", func(n docstream.Notification) error {
				return actions.UpdateFeatureFlags(ctx, n.Data)
			}),
		)
		if err != nil {
			auth.Cancel()
			conf.Cancel()
			return nil, fmt.Errorf("watching feature flags: %w", err)
		}
		subs = append(subs, flags)
	}

	return fanout.Group(subs...), nil
}

// onDocument filters absent and failed documents out of fn's input.
func (c *Client) onDocument(ctx context.Context, what string, fn docstream.Callback) docstream.Callback {
	return func(n docstream.Notification) error {
		switch n.Kind {
		case docstream.KindAbsent:
			c.log.WarnContext(ctx, "bootstrap.document.absent",
				slog.String("document", what),
				slog.String("path", n.Path),
				slog.String("hint", "no "+what+", are we offline?"))
			return nil
		case docstream.KindError:
			c.log.ErrorContext(ctx, "bootstrap.document.error",
				slog.String("document", what),
				slog.String("path", n.Path),
				slog.String("err", n.Err.Error()))
			return nil
		}
		return fn(n)
	}
}
