package ws

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/auth"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/persistence"
	"github.com/parleychat/parley/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketHandler upgrades the connection, resolves the identity and starts
// the client pumps. The room from the path is joined as the first session
// step, credentials for protected rooms travel in the query.
func (m *SessionManager) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomId := vars["room"]
	if roomId == "" {
		roomId = types.GlobalRoomId
	}
	vals := r.URL.Query()

	var identity *auth.Identity
	if idToken := vals.Get("id_token"); idToken != "" {
		if provider := vals.Get("provider"); provider != "" {
			var err error
			identity, err = auth.Authenticate(r.Context(), idToken, provider, m.cfg)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	isGuest := identity == nil
	var user *types.User
	if isGuest {
		nick := goname.New(goname.FantasyMap).FirstLast() + " (guest)"
		user = &types.User{
			Id:         nick,
			Nick:       nick,
			Language:   "en",
			Tags:       make(map[string]string),
			LastOnline: time.Now(),
		}
	} else {
		user = &types.User{Id: identity.UserId}
		err := m.persister.GetUser(user)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			globals.AppLogger.Error("could not load user", "error", err)
			return
		}
		if errors.Is(err, persistence.ErrNotFound) || user.Nick == "" {
			user.Nick = identity.Nick
			if user.Nick == "" {
				user.Nick = identity.UserId
			}
			user.Language = "en"
			user.Tags = make(map[string]string)
		}
		user.LastOnline = time.Now()
		if err := m.persister.StoreUser(*user); err != nil {
			globals.AppLogger.Error("could not store user", "error", err)
			return
		}
	}
	for k := range user.Tags {
		if strings.HasPrefix(k, "_") { // remove internal tags
			delete(user.Tags, k)
		}
	}

	c := NewClient(m, conn, uuid.NewString(), user, isGuest)
	go c.WriteLoop()

	c.sendEvent(types.WireMessageTypeConnected, 0, connectedEvent{
		Nick:    user.Nick,
		UserId:  user.Id,
		IsGuest: isGuest,
	})

	res := m.JoinRoom(c, roomId, vals.Get("secret"), vals.Get("invite_token"))
	c.sendResult(0, res)

	c.ReadLoop()
}
