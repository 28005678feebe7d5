package persistence

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/cursor"
	"github.com/parleychat/parley/types"
)

func backends(t *testing.T) map[string]Persister {
	t.Helper()
	dir := t.TempDir()

	sqliteCfg := &config.Config{}
	sqliteCfg.PersistenceConfig.Type = "sqlite"
	sqliteCfg.PersistenceConfig.DSN = filepath.Join(dir, "test.db")
	gp, err := NewGormPersister(sqliteCfg)
	require.NoError(t, err)
	require.NotNil(t, gp)

	buntCfg := &config.Config{}
	buntCfg.PersistenceConfig.Type = "buntdb"
	buntCfg.PersistenceConfig.DSN = ":memory:"
	bp, err := NewBuntPersister(buntCfg)
	require.NoError(t, err)
	require.NotNil(t, bp)

	return map[string]Persister{"sqlite": gp, "buntdb": bp}
}

func appendN(t *testing.T, p Persister, roomId string, n int) []*types.Message {
	t.Helper()
	base := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	msgs := make([]*types.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := &types.Message{
			RoomId:    roomId,
			Nick:      "alice",
			Type:      types.MessageTypeText,
			Text:      fmt.Sprintf("message %d", i+1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, msg.CreateId())
		require.NoError(t, p.AppendMessage(msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestMessageRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	edited := ts.Add(time.Minute)
	want := &types.Message{
		Id:     "deadbeef00000001",
		RoomId: "global",
		Nick:   "alice",
		Type:   types.MessageTypeText,
		Text:   "hello there",
		Parent: &types.ParentRef{Id: "cafe", Nick: "bob", Text: "original", CreatedAt: ts.Add(-time.Hour)},
		LinkPreview: &types.LinkPreview{
			Url:   "https://example.com",
			Title: "Example",
		},
		EditedAt:    &edited,
		EditHistory: []types.EditEntry{{Text: "helo there", EditedAt: edited}},
		Reactions:   map[string][]string{"👍": {"bob", "carol"}},
		SeenBy:      types.JSONStringSlice{"bob"},
		CreatedAt:   ts,
	}
	timeCmp := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			require.NoError(t, p.AppendMessage(want))
			got, err := p.GetMessage("global", want.Id)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got, timeCmp); diff != "" {
				t.Errorf("message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessagePagination(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			msgs := appendN(t, p, "global", 5) // m1..m5 oldest->newest

			// first page: the two newest, newest-first
			page, err := p.MessagesBefore("global", cursor.Cursor{}, 2)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, msgs[4].Id, page[0].Id)
			assert.Equal(t, msgs[3].Id, page[1].Id)

			// next cursor derives from the chronologically earliest element
			c := cursor.Cursor{CreatedAt: page[1].CreatedAt, Id: page[1].Id}
			page, err = p.MessagesBefore("global", c, 2)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, msgs[2].Id, page[0].Id)
			assert.Equal(t, msgs[1].Id, page[1].Id)

			c = cursor.Cursor{CreatedAt: page[1].CreatedAt, Id: page[1].Id}
			page, err = p.MessagesBefore("global", c, 2)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, msgs[0].Id, page[0].Id)

			// exhausted
			c = cursor.Cursor{CreatedAt: page[0].CreatedAt, Id: page[0].Id}
			page, err = p.MessagesBefore("global", c, 2)
			require.NoError(t, err)
			assert.Empty(t, page)
		})
	}
}

func TestPaginationTieBreak(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			ts := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
			ids := []string{"aaaa", "bbbb", "cccc"}
			for _, id := range ids {
				msg := &types.Message{Id: id, RoomId: "tie", Nick: "a", Type: types.MessageTypeText, CreatedAt: ts}
				require.NoError(t, p.AppendMessage(msg))
			}
			page, err := p.MessagesBefore("tie", cursor.Cursor{}, 3)
			require.NoError(t, err)
			require.Len(t, page, 3)
			// same timestamp: descending id order
			assert.Equal(t, "cccc", page[0].Id)
			assert.Equal(t, "bbbb", page[1].Id)
			assert.Equal(t, "aaaa", page[2].Id)

			// cursor at (ts, "bbbb") only returns strictly smaller ids
			page, err = p.MessagesBefore("tie", cursor.Cursor{CreatedAt: ts, Id: "bbbb"}, 3)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "aaaa", page[0].Id)
		})
	}
}

func TestUpdateMessage(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			msgs := appendN(t, p, "global", 1)

			got, err := p.UpdateMessage("global", msgs[0].Id, func(m *types.Message) error {
				m.ToggleReaction("👍", "bob")
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"bob"}, got.Reactions["👍"])

			// an apply error aborts the update
			_, err = p.UpdateMessage("global", msgs[0].Id, func(m *types.Message) error {
				m.ToggleReaction("👍", "carol")
				return fmt.Errorf("nope")
			})
			assert.Error(t, err)
			got, err = p.GetMessage("global", msgs[0].Id)
			require.NoError(t, err)
			assert.Equal(t, []string{"bob"}, got.Reactions["👍"])
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			msgs := appendN(t, p, "global", 2)
			require.NoError(t, p.DeleteMessage("global", msgs[0].Id))

			_, err := p.GetMessage("global", msgs[0].Id)
			assert.ErrorIs(t, err, ErrNotFound)

			page, err := p.MessagesBefore("global", cursor.Cursor{}, 10)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, msgs[1].Id, page[0].Id)
		})
	}
}

func TestSearchMessages(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			appendN(t, p, "global", 3) // "message 1".."message 3"

			found, err := p.SearchMessages("global", "message 2", 10)
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, "message 2", found[0].Text)

			found, err = p.SearchMessages("global", "message", 2)
			require.NoError(t, err)
			require.Len(t, found, 2)
			// newest first
			assert.Equal(t, "message 3", found[0].Text)
		})
	}
}

func TestMarkSeenUpTo(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			msgs := appendN(t, p, "global", 4)

			require.NoError(t, p.MarkSeenUpTo("global", msgs[2].Id, "bob"))
			for i, m := range msgs {
				got, err := p.GetMessage("global", m.Id)
				require.NoError(t, err)
				if i <= 2 {
					assert.True(t, got.SeenBy.Contains("bob"), "message %d", i+1)
				} else {
					assert.False(t, got.SeenBy.Contains("bob"), "message %d", i+1)
				}
			}

			_, err := p.GetMessage("global", "does-not-exist")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRoomRoundTrip(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			room := &types.Room{Id: "priv", Owner: "bob", SecretHash: "x", Theme: types.DefaultTheme()}
			require.NoError(t, p.StoreRoom(room))

			got := &types.Room{Id: "priv"}
			require.NoError(t, p.GetRoom(got))
			assert.Equal(t, "bob", got.Owner)
			assert.Equal(t, "x", got.SecretHash)
			assert.True(t, got.IsProtected())

			updated, err := p.UpdateRoom("priv", func(r *types.Room) error {
				r.Banned.Add("carol")
				r.Topic = "the topic"
				return nil
			})
			require.NoError(t, err)
			assert.True(t, updated.IsBanned("carol"))

			got = &types.Room{Id: "priv"}
			require.NoError(t, p.GetRoom(got))
			assert.True(t, got.IsBanned("carol"))
			assert.Equal(t, "the topic", got.Topic)

			missing := &types.Room{Id: "nope"}
			assert.ErrorIs(t, p.GetRoom(missing), ErrNotFound)
		})
	}
}

func TestInviteTokens(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			now := time.Now()
			exp := now.Add(time.Hour)
			tok := &types.InviteToken{Token: "tok-1", RoomId: "priv", SingleUse: true, ExpiresAt: &exp, CreatedAt: now}
			require.NoError(t, p.CreateInvite(tok))

			// wrong room
			assert.ErrorIs(t, p.RedeemInvite("other", "tok-1", now), ErrInviteInvalid)
			// first use succeeds, second fails (single use)
			require.NoError(t, p.RedeemInvite("priv", "tok-1", now))
			assert.ErrorIs(t, p.RedeemInvite("priv", "tok-1", now), ErrInviteInvalid)

			// expired tokens are rejected and purged
			past := now.Add(-time.Hour)
			tok2 := &types.InviteToken{Token: "tok-2", RoomId: "priv", ExpiresAt: &past, CreatedAt: now}
			require.NoError(t, p.CreateInvite(tok2))
			assert.ErrorIs(t, p.RedeemInvite("priv", "tok-2", now), ErrInviteInvalid)

			purged, err := p.PurgeExpiredInvites(now)
			require.NoError(t, err)
			assert.Equal(t, 1, purged)
		})
	}
}
