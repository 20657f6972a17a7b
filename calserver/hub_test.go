// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubBroadcastFiltersByUserAndTopic(t *testing.T) {
	hub := NewHub(nil)

	alice := &hubClient{
		userID: "alice",
		topics: map[string]struct{}{TopicPendingState: {}},
		send:   make(chan ChangeEvent, clientSendBuffer),
	}
	bob := &hubClient{
		userID: "bob",
		topics: map[string]struct{}{TopicPendingState: {}, TopicMessages: {}},
		send:   make(chan ChangeEvent, clientSendBuffer),
	}
	hub.register(alice)
	hub.register(bob)

	hub.Broadcast("alice", ChangeEvent{Topic: TopicPendingState, PendingState: &PendingStateDoc{UID: "alice"}})
	hub.Broadcast("alice", ChangeEvent{Topic: TopicMessages, Message: &MessageDoc{ID: "m1"}})
	hub.Broadcast("bob", ChangeEvent{Topic: TopicMessages, Message: &MessageDoc{ID: "m2"}})

	// Alice only subscribed to pending-state; the message event is filtered.
	require.Len(t, alice.send, 1)
	ev := <-alice.send
	require.Equal(t, TopicPendingState, ev.Topic)

	require.Len(t, bob.send, 1)
	ev = <-bob.send
	require.Equal(t, "m2", ev.Message.ID)
}

func TestHubDropsWhenClientBufferFull(t *testing.T) {
	hub := NewHub(nil)
	c := &hubClient{
		userID: "alice",
		topics: map[string]struct{}{TopicMessages: {}},
		send:   make(chan ChangeEvent, 1),
	}
	hub.register(c)

	hub.Broadcast("alice", ChangeEvent{Topic: TopicMessages, Message: &MessageDoc{ID: "m1"}})
	hub.Broadcast("alice", ChangeEvent{Topic: TopicMessages, Message: &MessageDoc{ID: "m2"}})

	require.Len(t, c.send, 1)
	require.Equal(t, "m1", (<-c.send).Message.ID)
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := NewHub(nil)
	c := &hubClient{
		userID: "alice",
		topics: map[string]struct{}{TopicMessages: {}},
		send:   make(chan ChangeEvent, 1),
	}
	hub.register(c)
	hub.unregister(c)
	hub.unregister(c) // second unregister is a no-op, no double close

	_, open := <-c.send
	require.False(t, open)

	// Broadcasting to a user with no listeners is fine.
	hub.Broadcast("alice", ChangeEvent{Topic: TopicMessages, Message: &MessageDoc{ID: "m1"}})
}
