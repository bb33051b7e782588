// Package notify delivers user-visible notifications raised by the gateway.
package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
)

// Action is a button shown on a notification
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Data is the payload attached to a notification
type Data struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

// Notification mirrors the options a browser push notification carries.
type Notification struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon"`
	Badge   string   `json:"badge"`
	Vibrate []int    `json:"vibrate"`
	Data    Data     `json:"data"`
	Actions []Action `json:"actions"`
}

// Notifier shows a notification to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// StdoutNotifier writes notifications to a logger. It is the default when no
// delivery URLs are configured.
type StdoutNotifier struct {
	Logger zerolog.Logger
}

func (s StdoutNotifier) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode notification")
	}
	s.Logger.Info().
		Str("notification_id", n.ID).
		Str("title", n.Title).
		RawJSON("notification", raw).
		Msg("notification shown")
	return nil
}

// Sender is the part of a shoutrrr router used for delivery.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrNotifier fans a notification out to every configured shoutrrr URL.
type ShoutrrrNotifier struct {
	sender Sender
}

// NewShoutrrr builds a notifier for the given service URLs
// (e.g. "ntfy://ntfy.sh/topic").
func NewShoutrrr(urls ...string) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "at least one notification url is required")
	}
	r, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "create notification sender")
	}
	return &ShoutrrrNotifier{sender: r}, nil
}

// NewShoutrrrWithSender wraps an existing sender.
func NewShoutrrrWithSender(s Sender) *ShoutrrrNotifier {
	return &ShoutrrrNotifier{sender: s}
}

var _ Sender = (*router.ServiceRouter)(nil)

func (s *ShoutrrrNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// title maps onto the subject field of the target service
	params := types.Params{"title": n.Title}

	var failed []string
	for _, err := range s.sender.Send(n.Body, &params) {
		if err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return errors.Newf(errors.CodeNetwork, "deliver notification: %s", strings.Join(failed, "; "))
	}
	return nil
}
