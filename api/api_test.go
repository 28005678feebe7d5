package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/persistence"
	"github.com/parleychat/parley/types"
)

func newTestServer(t *testing.T) (*httptest.Server, persistence.Persister) {
	t.Helper()
	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = ":memory:"
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.StoreRoom(&types.Room{Id: types.GlobalRoomId, Theme: types.DefaultTheme()}))

	router := mux.NewRouter()
	(&API{Persister: p}).Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, p
}

func seedMessages(t *testing.T, p persistence.Persister, n int) []string {
	t.Helper()
	base := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := &types.Message{
			RoomId:    types.GlobalRoomId,
			Nick:      "alice",
			Type:      types.MessageTypeText,
			Text:      fmt.Sprintf("message %d", i+1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, msg.CreateId())
		require.NoError(t, p.AppendMessage(msg))
		ids = append(ids, msg.Id)
	}
	return ids
}

func getPage(t *testing.T, srv *httptest.Server, url string) *types.HistoryPage {
	t.Helper()
	resp, err := http.Get(srv.URL + url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := &types.HistoryPage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(page))
	return page
}

func TestListMessagesPagination(t *testing.T) {
	srv, p := newTestServer(t)
	ids := seedMessages(t, p, 5) // m1..m5 oldest->newest

	page := getPage(t, srv, "/api/messages?room=global&limit=2")
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[3], page.Items[0].Id)
	assert.Equal(t, ids[4], page.Items[1].Id)
	require.NotEmpty(t, page.NextCursor)

	page = getPage(t, srv, "/api/messages?room=global&limit=2&cursor="+page.NextCursor)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[1], page.Items[0].Id)
	assert.Equal(t, ids[2], page.Items[1].Id)
	require.NotEmpty(t, page.NextCursor)

	page = getPage(t, srv, "/api/messages?room=global&limit=2&cursor="+page.NextCursor)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].Id)
	assert.Empty(t, page.NextCursor)
}

func TestListMessagesBadCursorDegrades(t *testing.T) {
	srv, p := newTestServer(t)
	ids := seedMessages(t, p, 3)

	page := getPage(t, srv, "/api/messages?room=global&limit=10&cursor=%21%21garbage")
	require.Len(t, page.Items, 3)
	assert.Equal(t, ids[0], page.Items[0].Id)
}

func TestListMessagesLimitCap(t *testing.T) {
	srv, p := newTestServer(t)
	seedMessages(t, p, config.MaxPageSize+10)

	page := getPage(t, srv, fmt.Sprintf("/api/messages?room=global&limit=%d", config.MaxPageSize+10))
	assert.Len(t, page.Items, config.MaxPageSize)
}

func TestListMessagesErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/messages?room=NO%20SUCH")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/messages?room=missing-room")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchMessages(t *testing.T) {
	srv, p := newTestServer(t)
	seedMessages(t, p, 3)

	resp, err := http.Get(srv.URL + "/api/search?room=global&q=message+2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Items []*types.Message `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "message 2", body.Items[0].Text)

	resp, err = http.Get(srv.URL + "/api/search?room=global")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
