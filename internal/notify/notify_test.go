package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	messages []string
	params   []types.Params
	errs     []error
}

func (r *recordingSender) Send(message string, params *types.Params) []error {
	r.messages = append(r.messages, message)
	if params != nil {
		r.params = append(r.params, *params)
	}
	return r.errs
}

func TestStdoutNotifier_Notify(t *testing.T) {
	n := StdoutNotifier{Logger: zerolog.Nop()}
	err := n.Notify(context.Background(), Notification{Title: "Daiva Anughara", Body: "hello"})
	require.NoError(t, err)
}

func TestShoutrrrNotifier_Notify(t *testing.T) {
	rec := &recordingSender{}
	n := NewShoutrrrWithSender(rec)

	err := n.Notify(context.Background(), Notification{
		Title:   "Daiva Anughara",
		Body:    "New spiritual content available",
		Actions: []Action{{Action: "explore", Title: "Explore"}},
	})
	require.NoError(t, err)
	require.Len(t, rec.messages, 1)
	assert.Equal(t, "New spiritual content available", rec.messages[0])
	assert.Equal(t, "Daiva Anughara", rec.params[0]["title"])
}

func TestShoutrrrNotifier_NotifyErrors(t *testing.T) {
	rec := &recordingSender{errs: []error{nil, errors.New("ntfy: 500")}}
	n := NewShoutrrrWithSender(rec)

	err := n.Notify(context.Background(), Notification{Title: "t", Body: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ntfy: 500")
}

func TestShoutrrrNotifier_CanceledContext(t *testing.T) {
	rec := &recordingSender{}
	n := NewShoutrrrWithSender(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, n.Notify(ctx, Notification{Title: "t"}))
	assert.Empty(t, rec.messages)
}

func TestNewShoutrrr_RequiresURL(t *testing.T) {
	_, err := NewShoutrrr()
	assert.Error(t, err)

	_, err = NewShoutrrr("not a url")
	assert.Error(t, err)
}
