// Package api provides the REST read surface next to the websocket: history
// pagination and message search.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/cursor"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/persistence"
	"github.com/parleychat/parley/types"
)

const (
	defaultPageSize = 50
	maxSearchLen    = 200
)

// API serves the read-only HTTP endpoints.
type API struct {
	Persister persistence.Persister
}

// Routes registers the endpoints on the given router.
func (a *API) Routes(router *mux.Router) {
	router.HandleFunc("/api/messages", a.listMessages).Methods(http.MethodGet)
	router.HandleFunc("/api/search", a.searchMessages).Methods(http.MethodGet)
}

func (a *API) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		globals.AppLogger.Error("could not encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	a.respond(w, status, response{Error: msg})
}

// roomParam validates the room query parameter and checks the room exists.
func (a *API) roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomId := r.URL.Query().Get("room")
	if roomId != types.GlobalRoomId && !types.RoomIdPattern.MatchString(roomId) {
		a.respondError(w, http.StatusBadRequest, "invalid room")
		return "", false
	}
	room := &types.Room{Id: roomId}
	if err := a.Persister.GetRoom(room); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "room not found")
		} else {
			globals.AppLogger.Error("could not load room", "room", roomId, "error", err)
			a.respondError(w, http.StatusInternalServerError, "storage unavailable")
		}
		return "", false
	}
	return roomId, true
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > config.MaxPageSize {
		return config.MaxPageSize
	}
	return limit
}

// listMessages serves one page of the room log, oldest-first, with the
// opaque cursor of the next older page. A malformed cursor degrades to the
// newest page.
func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	roomId, ok := a.roomParam(w, r)
	if !ok {
		return
	}
	limit := limitParam(r, defaultPageSize)
	before := cursor.Decode(r.URL.Query().Get("cursor"))

	msgs, err := a.Persister.MessagesBefore(roomId, before, limit)
	if err != nil {
		globals.AppLogger.Error("could not list messages", "room", roomId, "error", err)
		a.respondError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	page := types.HistoryPage{Items: make([]*types.Message, 0, len(msgs))}
	if len(msgs) == limit {
		oldest := msgs[len(msgs)-1]
		page.NextCursor = cursor.Encode(cursor.Cursor{CreatedAt: oldest.CreatedAt, Id: oldest.Id})
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Items = append(page.Items, msgs[i])
	}
	a.respond(w, http.StatusOK, page)
}

// searchMessages serves a bounded newest-first substring search over the
// room's text messages.
func (a *API) searchMessages(w http.ResponseWriter, r *http.Request) {
	roomId, ok := a.roomParam(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" || len(query) > maxSearchLen {
		a.respondError(w, http.StatusBadRequest, "invalid query")
		return
	}
	limit := limitParam(r, defaultPageSize)

	msgs, err := a.Persister.SearchMessages(roomId, query, limit)
	if err != nil {
		globals.AppLogger.Error("could not search messages", "room", roomId, "error", err)
		a.respondError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	type response struct {
		Items []*types.Message `json:"items"`
	}
	a.respond(w, http.StatusOK, response{Items: msgs})
}
