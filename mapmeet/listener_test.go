package mapmeet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/mapmeet/client/protocol"
)

func TestListenerSnapshotReconcile(t *testing.T) {
	diffs := []*Diff{}
	subscription := &listenerSubscription{
		path: "users/me/events",
		handler: func(diff *Diff) {
			diffs = append(diffs, diff)
		},
		known: map[string]bool{},
	}

	doc := func(id string) *protocol.Document {
		return &protocol.Document{Path: protocol.JoinPath("users/me/events", id), Id: id}
	}

	subscription.apply(&protocol.Frame{
		Type:     protocol.FrameDiff,
		Path:     "users/me/events",
		Snapshot: true,
		Changes: []*protocol.Change{
			{Kind: protocol.DiffAdded, Document: doc("e1")},
			{Kind: protocol.DiffAdded, Document: doc("e2")},
		},
	})
	assert.Equal(t, 2, len(diffs))

	// a malformed change is skipped
	subscription.apply(&protocol.Frame{
		Type: protocol.FrameDiff,
		Path: "users/me/events",
		Changes: []*protocol.Change{
			{Kind: "moved", Document: doc("e1")},
			{Kind: protocol.DiffAdded},
		},
	})
	assert.Equal(t, 2, len(diffs))

	// after a reconnect, e1 was removed while disconnected
	diffs = []*Diff{}
	subscription.apply(&protocol.Frame{
		Type:     protocol.FrameDiff,
		Path:     "users/me/events",
		Snapshot: true,
		Changes: []*protocol.Change{
			{Kind: protocol.DiffAdded, Document: doc("e2")},
			{Kind: protocol.DiffAdded, Document: doc("e3")},
		},
	})
	assert.Equal(t, 3, len(diffs))
	assert.Equal(t, protocol.DiffRemoved, diffs[0].Kind)
	assert.Equal(t, "e1", diffs[0].Document.Id)
	assert.Equal(t, "users/me/events/e1", diffs[0].Document.Path)
	assert.Equal(t, map[string]bool{"e2": true, "e3": true}, subscription.known)
}

func TestListenerSubscribeOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := NewDispatcher(ctx)
	defer dispatcher.Close()

	settings := DefaultListenerSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	// nothing listens here
	listener := NewListener(ctx, "ws://127.0.0.1:1/realtime", StaticTokenSource("t"), dispatcher, settings)
	defer listener.Close()

	a := listener.Subscribe("users/me/friends", func(diff *Diff) {})
	b := listener.Subscribe("users/me/friends", func(diff *Diff) {})
	assert.Equal(t, true, a == b)
	assert.Equal(t, 1, listener.SubscriptionCount())

	listener.Subscribe("users/me/events", func(diff *Diff) {})
	assert.Equal(t, 2, listener.SubscriptionCount())

	a.Close()
	assert.Equal(t, false, listener.IsSubscribed("users/me/friends"))
	assert.Equal(t, true, listener.IsSubscribed("users/me/events"))

	// closing a stale handle does not close the new subscription
	c := listener.Subscribe("users/me/friends", func(diff *Diff) {})
	a.Close()
	assert.Equal(t, true, listener.IsSubscribed("users/me/friends"))
	c.Close()

	listener.Close()
	assert.Equal(t, 0, listener.SubscriptionCount())
	listener.Subscribe("users/me/friends", func(diff *Diff) {})
	assert.Equal(t, 0, listener.SubscriptionCount())
}

func TestListenerConnectWithoutToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := NewDispatcher(ctx)
	defer dispatcher.Close()

	for _, tokenSource := range []TokenSource{nil, StaticTokenSource("")} {
		listener := NewListener(ctx, "ws://127.0.0.1:1/realtime", tokenSource, dispatcher, DefaultListenerSettings())
		_, err := listener.connect(&websocket.Dialer{})
		assert.Equal(t, true, errors.Is(err, ErrAuthUnavailable))
		listener.Close()
	}
}
