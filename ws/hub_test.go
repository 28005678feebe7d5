package ws

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/types"
)

func exec(c *Client, fn func(h *Hub) types.Result) types.Result {
	hub := c.currentHub()
	return hub.execute(func() types.Result { return fn(hub) })
}

func sendAndGetId(t *testing.T, c *Client, text string) string {
	t.Helper()
	res := send(c, text)
	require.True(t, res.Ok, "send failed: %s", res.Error)
	return res.Id
}

func TestEditMessage(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	require.True(t, m.JoinRoom(bob, types.GlobalRoomId, "", "").Ok)
	id := sendAndGetId(t, alice, "original")
	drain(alice)
	drain(bob)

	// only the author may edit
	res := exec(bob, func(h *Hub) types.Result {
		return h.handleEdit(bob, &editMessageRequest{RoomId: h.roomId, Id: id, NewText: "hacked"})
	})
	assert.Equal(t, types.ErrForbidden, res.Error)

	res = exec(alice, func(h *Hub) types.Result {
		return h.handleEdit(alice, &editMessageRequest{RoomId: h.roomId, Id: id, NewText: "fixed"})
	})
	require.True(t, res.Ok)

	env := nextEvent(t, bob, types.WireMessageTypeEdited)
	patch := &types.MessagePatch{}
	require.NoError(t, json.Unmarshal(env.Data, patch))
	assert.Equal(t, id, patch.Id)
	assert.Equal(t, "fixed", patch.NewText)
	require.NotNil(t, patch.EditedAt)

	stored, err := m.persister.GetMessage(types.GlobalRoomId, id)
	require.NoError(t, err)
	assert.Equal(t, "fixed", stored.Text)
	require.Len(t, stored.EditHistory, 1)
	assert.Equal(t, "original", stored.EditHistory[0].Text)

	// unknown id
	res = exec(alice, func(h *Hub) types.Result {
		return h.handleEdit(alice, &editMessageRequest{RoomId: h.roomId, Id: "nope", NewText: "x"})
	})
	assert.Equal(t, types.ErrNotFound, res.Error)
}

func TestEditAppliesModeration(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	id := sendAndGetId(t, alice, "fine")

	res := exec(alice, func(h *Hub) types.Result {
		return h.handleEdit(alice, &editMessageRequest{RoomId: h.roomId, Id: id, NewText: "what the heck"})
	})
	require.True(t, res.Ok)
	stored, err := m.persister.GetMessage(types.GlobalRoomId, id)
	require.NoError(t, err)
	assert.Equal(t, "what the ***", stored.Text)
	assert.True(t, stored.Flagged)
}

func TestSendModeration(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	drain(alice)

	id := sendAndGetId(t, alice, "heck that")
	env := nextEvent(t, alice, types.WireMessageTypeChat)
	msg := &types.Message{}
	require.NoError(t, json.Unmarshal(env.Data, msg))
	assert.Equal(t, id, msg.Id)
	assert.Equal(t, "*** that", msg.Text)
	assert.True(t, msg.Flagged)
}

func TestSendValidation(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)

	assert.Equal(t, types.ErrValidation, send(alice, "").Error)
	assert.Equal(t, types.ErrValidation, send(alice, "   ").Error)

	long := make([]byte, 0, types.MaxMessageLen+1)
	for i := 0; i <= types.MaxMessageLen; i++ {
		long = append(long, 'a')
	}
	assert.Equal(t, types.ErrValidation, send(alice, string(long)).Error)

	res := exec(alice, func(h *Hub) types.Result {
		return h.handleSend(alice, &sendMessageRequest{RoomId: h.roomId, Type: "bogus", Text: "x"})
	})
	assert.Equal(t, types.ErrValidation, res.Error)

	res = exec(alice, func(h *Hub) types.Result {
		return h.handleSend(alice, &sendMessageRequest{RoomId: h.roomId, Type: types.MessageTypeImage})
	})
	assert.Equal(t, types.ErrValidation, res.Error)
}

func TestReplyParentSnapshot(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	parentId := sendAndGetId(t, alice, "parent text")

	res := exec(alice, func(h *Hub) types.Result {
		return h.handleSend(alice, &sendMessageRequest{RoomId: h.roomId, Text: "reply", ParentId: parentId})
	})
	require.True(t, res.Ok)
	reply, err := m.persister.GetMessage(types.GlobalRoomId, res.Id)
	require.NoError(t, err)
	require.NotNil(t, reply.Parent)
	assert.Equal(t, parentId, reply.Parent.Id)
	assert.Equal(t, "parent text", reply.Parent.Text)

	// long multibyte parent text truncates on a rune boundary
	longId := sendAndGetId(t, alice, strings.Repeat("é", 300))
	res = exec(alice, func(h *Hub) types.Result {
		return h.handleSend(alice, &sendMessageRequest{RoomId: h.roomId, Text: "reply", ParentId: longId})
	})
	require.True(t, res.Ok)
	reply, err = m.persister.GetMessage(types.GlobalRoomId, res.Id)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(reply.Parent.Text))
	assert.Equal(t, 200, utf8.RuneCountInString(reply.Parent.Text))

	res = exec(alice, func(h *Hub) types.Result {
		return h.handleSend(alice, &sendMessageRequest{RoomId: h.roomId, Text: "reply", ParentId: "gone"})
	})
	assert.Equal(t, types.ErrNotFound, res.Error)
}

func TestDeleteMessage(t *testing.T) {
	m := newTestManager(t)
	owner := newTestClient(m, "owner")
	require.True(t, m.CreateRoom(owner, "den", "s3cret").Ok)
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(bob, "den", "s3cret", "").Ok)
	id := sendAndGetId(t, bob, "to be removed")
	drain(owner)
	drain(bob)

	// a stranger cannot delete
	carol := newTestClient(m, "carol")
	require.True(t, m.JoinRoom(carol, "den", "s3cret", "").Ok)
	res := exec(carol, func(h *Hub) types.Result {
		return h.handleDelete(carol, &deleteMessageRequest{RoomId: h.roomId, Id: id})
	})
	assert.Equal(t, types.ErrForbidden, res.Error)

	// the owner (moderator) can delete someone else's message
	res = exec(owner, func(h *Hub) types.Result {
		return h.handleDelete(owner, &deleteMessageRequest{RoomId: h.roomId, Id: id})
	})
	require.True(t, res.Ok)

	env := nextEvent(t, bob, types.WireMessageTypeDeleted)
	evt := &deletedEvent{}
	require.NoError(t, json.Unmarshal(env.Data, evt))
	assert.Equal(t, id, evt.Id)

	_, err := m.persister.GetMessage("den", id)
	assert.Error(t, err)
}

func TestDeletePinnedMessageUnpins(t *testing.T) {
	m := newTestManager(t)
	owner := newTestClient(m, "owner")
	require.True(t, m.CreateRoom(owner, "den", "s3cret").Ok)
	id := sendAndGetId(t, owner, "pinned")
	require.True(t, slash(owner, "/pin "+id).Ok)

	res := exec(owner, func(h *Hub) types.Result {
		return h.handleDelete(owner, &deleteMessageRequest{RoomId: h.roomId, Id: id})
	})
	require.True(t, res.Ok)

	stored := &types.Room{Id: "den"}
	require.NoError(t, m.persister.GetRoom(stored))
	assert.False(t, stored.PinnedIds.Contains(id))
}

func TestReactionToggle(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	require.True(t, m.JoinRoom(bob, types.GlobalRoomId, "", "").Ok)
	id := sendAndGetId(t, alice, "react to me")
	drain(alice)
	drain(bob)

	react := func(c *Client) types.Result {
		return exec(c, func(h *Hub) types.Result {
			return h.handleReact(c, &reactRequest{RoomId: h.roomId, Id: id, Emoji: "👍"})
		})
	}
	require.True(t, react(bob).Ok)
	env := nextEvent(t, alice, types.WireMessageTypeEdited)
	patch := &types.MessagePatch{}
	require.NoError(t, json.Unmarshal(env.Data, patch))
	assert.Equal(t, []string{"bob"}, patch.Reactions["👍"])

	// toggling again removes the reaction
	require.True(t, react(bob).Ok)
	stored, err := m.persister.GetMessage(types.GlobalRoomId, id)
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
}

func TestSeenUpToNoBroadcast(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	require.True(t, m.JoinRoom(bob, types.GlobalRoomId, "", "").Ok)
	id1 := sendAndGetId(t, alice, "one")
	id2 := sendAndGetId(t, alice, "two")
	drain(alice)
	drain(bob)

	res := exec(bob, func(h *Hub) types.Result {
		return h.handleSeen(bob, &seenUpToRequest{RoomId: h.roomId, Id: id2})
	})
	require.True(t, res.Ok)

	for _, id := range []string{id1, id2} {
		stored, err := m.persister.GetMessage(types.GlobalRoomId, id)
		require.NoError(t, err)
		assert.True(t, stored.SeenBy.Contains("bob"))
	}
	// receipts are attached on read, not pushed
	noEvent(t, alice, types.WireMessageTypeEdited)
}

func TestPollLifecycle(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	require.True(t, m.JoinRoom(bob, types.GlobalRoomId, "", "").Ok)
	drain(alice)
	drain(bob)

	res := exec(alice, func(h *Hub) types.Result {
		return h.handleCreatePoll(alice, &createPollRequest{RoomId: h.roomId, Question: "lunch?", Options: []string{"pizza", "ramen"}})
	})
	require.True(t, res.Ok)
	pollId := res.Id

	vote := func(c *Client, option int) types.Result {
		return exec(c, func(h *Hub) types.Result {
			return h.handleVote(c, &votePollRequest{RoomId: h.roomId, Id: pollId, Option: option})
		})
	}
	require.True(t, vote(bob, 0).Ok)
	// changing the vote retracts the old one
	require.True(t, vote(bob, 1).Ok)
	stored, err := m.persister.GetMessage(types.GlobalRoomId, pollId)
	require.NoError(t, err)
	assert.Empty(t, stored.Poll.Options[0].Votes)
	assert.Equal(t, []string{"bob"}, stored.Poll.Options[1].Votes)

	assert.Equal(t, types.ErrValidation, vote(bob, 7).Error)

	// close is author-only and terminal
	res = exec(bob, func(h *Hub) types.Result {
		return h.handleClosePoll(bob, &closePollRequest{RoomId: h.roomId, Id: pollId})
	})
	assert.Equal(t, types.ErrForbidden, res.Error)
	res = exec(alice, func(h *Hub) types.Result {
		return h.handleClosePoll(alice, &closePollRequest{RoomId: h.roomId, Id: pollId})
	})
	require.True(t, res.Ok)
	assert.Equal(t, types.ErrConflict, vote(bob, 0).Error)
	res = exec(alice, func(h *Hub) types.Result {
		return h.handleClosePoll(alice, &closePollRequest{RoomId: h.roomId, Id: pollId})
	})
	assert.Equal(t, types.ErrConflict, res.Error)
}

func TestCreatePollValidation(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)

	create := func(question string, options []string) types.Result {
		return exec(alice, func(h *Hub) types.Result {
			return h.handleCreatePoll(alice, &createPollRequest{RoomId: h.roomId, Question: question, Options: options})
		})
	}
	assert.Equal(t, types.ErrValidation, create("", []string{"a", "b"}).Error)
	assert.Equal(t, types.ErrValidation, create("q", []string{"only"}).Error)
	assert.Equal(t, types.ErrValidation, create("q", []string{"a", " "}).Error)
	many := make([]string, types.MaxPollOptions+1)
	for i := range many {
		many[i] = "o"
	}
	assert.Equal(t, types.ErrValidation, create("q", many).Error)
}

func TestTypingRelay(t *testing.T) {
	m := newTestManager(t)
	alice := newTestClient(m, "alice")
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(alice, types.GlobalRoomId, "", "").Ok)
	require.True(t, m.JoinRoom(bob, types.GlobalRoomId, "", "").Ok)
	drain(alice)
	drain(bob)

	res := exec(alice, func(h *Hub) types.Result {
		return h.handleTyping(alice, &typingRequest{RoomId: h.roomId, IsTyping: true})
	})
	require.True(t, res.Ok)

	env := nextEvent(t, bob, types.WireMessageTypeTyping)
	evt := &typingEvent{}
	require.NoError(t, json.Unmarshal(env.Data, evt))
	assert.Equal(t, "alice", evt.Nick)
	assert.True(t, evt.IsTyping)
	// the sender does not get its own indicator back
	noEvent(t, alice, types.WireMessageTypeTyping)
}

func TestSlashAuthorization(t *testing.T) {
	m := newTestManager(t)
	owner := newTestClient(m, "owner")
	require.True(t, m.CreateRoom(owner, "den", "s3cret").Ok)
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(bob, "den", "s3cret", "").Ok)

	// ordinary members cannot moderate
	assert.Equal(t, types.ErrForbidden, slash(bob, "/topic hi").Error)
	assert.Equal(t, types.ErrForbidden, slash(bob, "/ban owner").Error)

	// promotion is owner-only
	require.True(t, slash(owner, "/mod bob").Ok)
	require.True(t, slash(bob, "/topic set by mod").Ok)
	carol := newTestClient(m, "carol")
	require.True(t, m.JoinRoom(carol, "den", "s3cret", "").Ok)
	assert.Equal(t, types.ErrForbidden, slash(bob, "/mod carol").Error)

	// moderators cannot touch the owner or each other
	assert.Equal(t, types.ErrForbidden, slash(bob, "/ban owner").Error)
	require.True(t, slash(owner, "/mod carol").Ok)
	assert.Equal(t, types.ErrForbidden, slash(bob, "/ban carol").Error)
	require.True(t, slash(owner, "/ban carol").Ok)

	require.True(t, slash(owner, "/unmod bob").Ok)
	assert.Equal(t, types.ErrForbidden, slash(bob, "/topic nope").Error)
}

func TestSlashRoomMetadata(t *testing.T) {
	m := newTestManager(t)
	owner := newTestClient(m, "owner")
	require.True(t, m.CreateRoom(owner, "den", "s3cret").Ok)
	drain(owner)

	require.True(t, slash(owner, "/topic release day").Ok)
	env := nextEvent(t, owner, types.WireMessageTypeRoomInfo)
	info := &types.RoomInfo{}
	require.NoError(t, json.Unmarshal(env.Data, info))
	assert.Equal(t, "release day", info.Topic)

	require.True(t, slash(owner, "/rules be kind").Ok)
	require.True(t, slash(owner, "/theme dark #112233").Ok)
	require.True(t, slash(owner, "/announce ship it").Ok)

	stored := &types.Room{Id: "den"}
	require.NoError(t, m.persister.GetRoom(stored))
	assert.Equal(t, "be kind", stored.Rules)
	assert.Equal(t, "dark", stored.Theme.Mode)
	assert.Equal(t, "#112233", stored.Theme.Accent)
	require.Len(t, stored.Announcements, 1)
	assert.Equal(t, "ship it", stored.Announcements[0].Text)

	assert.Equal(t, types.ErrValidation, slash(owner, "/theme neon").Error)
	assert.Equal(t, types.ErrValidation, slash(owner, "/slow -1").Error)
	assert.Equal(t, types.ErrValidation, slash(owner, "/slow lots").Error)
	assert.Equal(t, types.ErrValidation, slash(owner, "/bogus").Error)
	assert.Equal(t, types.ErrValidation, slash(owner, "not a command").Error)
}

func TestSlashPinUnpin(t *testing.T) {
	m := newTestManager(t)
	owner := newTestClient(m, "owner")
	require.True(t, m.CreateRoom(owner, "den", "s3cret").Ok)
	id := sendAndGetId(t, owner, "important")

	require.True(t, slash(owner, "/pin "+id).Ok)
	// pinning twice is a no-op
	require.True(t, slash(owner, "/pin "+id).Ok)
	assert.Equal(t, types.ErrNotFound, slash(owner, "/pin nope").Error)

	stored := &types.Room{Id: "den"}
	require.NoError(t, m.persister.GetRoom(stored))
	assert.Equal(t, types.JSONStringSlice{id}, stored.PinnedIds)

	require.True(t, slash(owner, "/unpin "+id).Ok)
	stored = &types.Room{Id: "den"}
	require.NoError(t, m.persister.GetRoom(stored))
	assert.Empty(t, stored.PinnedIds)
}

func TestKick(t *testing.T) {
	m := newTestManager(t)
	owner := newTestClient(m, "owner")
	require.True(t, m.CreateRoom(owner, "den", "s3cret").Ok)
	bob := newTestClient(m, "bob")
	require.True(t, m.JoinRoom(bob, "den", "s3cret", "").Ok)

	require.True(t, slash(owner, "/kick bob").Ok)
	assert.Nil(t, bob.currentHub())
	assert.Equal(t, 1, m.presence.Count("den"))

	// kick is not a ban, bob may come back
	require.True(t, m.JoinRoom(bob, "den", "s3cret", "").Ok)
}
