package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"

	"github.com/briangreenhill/cachegate/internal/metrics"
	"github.com/briangreenhill/cachegate/internal/notify"
)

const (
	// MessageSkipWaiting asks the runtime to activate this version now.
	MessageSkipWaiting = "SKIP_WAITING"

	// SyncTag is the only background sync tag the gateway acts on.
	SyncTag = "background-sync"

	ActionExplore = "explore"
	ActionClose   = "close"

	DefaultPushBody = "New spiritual content available"
	NotifyIcon      = "/static/images/android-chrome-192x192.png"
	NotifyBadge     = "/static/images/favicon-32x32.png"
)

// Message is a control message posted by a page.
type Message struct {
	Type string `json:"type"`
}

// PushPayload is the JSON body of a push. Both fields are optional.
type PushPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// Message handles a control message. Unknown types are ignored.
func (g *Gateway) Message(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		g.logger.Debug().Str("type", msg.Type).Msg("ignoring message")
		return nil
	}
	return g.runtime.SkipWaiting(ctx, g.version)
}

// Push shows a notification built from data. A push without data shows
// nothing. Delivery is registered on ev.
func (g *Gateway) Push(ev *Event, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var p PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "decode push payload")
	}

	n := g.notification(p)
	g.schedule(ev, func(ctx context.Context) error {
		err := g.notifier.Notify(ctx, n)
		g.metrics.Notifications.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			g.logger.Error().Err(err).Str("notification_id", n.ID).Msg("show notification failed")
		}
		return err
	})
	return nil
}

func (g *Gateway) notification(p PushPayload) notify.Notification {
	title := p.Title
	if title == "" {
		title = g.siteName
	}
	body := p.Body
	if body == "" {
		body = DefaultPushBody
	}
	return notify.Notification{
		ID:      uuid.NewString(),
		Title:   title,
		Body:    body,
		Icon:    NotifyIcon,
		Badge:   NotifyBadge,
		Vibrate: []int{100, 50, 100},
		Data: notify.Data{
			DateOfArrival: time.Now().UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: []notify.Action{
			{Action: ActionExplore, Title: "Explore", Icon: NotifyBadge},
			{Action: ActionClose, Title: "Close", Icon: NotifyBadge},
		},
	}
}

// NotificationClick closes the clicked notification. The close action only
// dismisses it; any other action opens or focuses the home page, which is
// returned.
func (g *Gateway) NotificationClick(ctx context.Context, action string) (*WindowClient, error) {
	g.logger.Debug().Str("action", action).Msg("notification closed")
	if action == ActionClose {
		return nil, nil
	}
	return g.clients.OpenWindow(ctx, "/")
}

// Sync handles a background sync. Tags other than SyncTag are ignored.
func (g *Gateway) Sync(ctx context.Context, tag string) error {
	if tag != SyncTag {
		g.logger.Debug().Str("tag", tag).Msg("ignoring sync")
		return nil
	}
	g.logger.Info().Str("tag", tag).Msg("background sync")
	return ctx.Err()
}
