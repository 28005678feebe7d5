package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/types"
)

// Client is the middleman between one websocket connection and the room
// hubs. A connection is in at most one room at a time.
type Client struct {
	manager *SessionManager
	conn    *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	connId  string
	nick    string
	user    *types.User
	isGuest bool

	mu  sync.Mutex
	hub *Hub // current room, nil while unjoined

	closeOnce sync.Once
}

func NewClient(manager *SessionManager, conn *websocket.Conn, connId string, user *types.User, isGuest bool) *Client {
	return &Client{
		manager: manager,
		conn:    conn,
		Send:    make(chan []byte, sendChannelSize),
		connId:  connId,
		nick:    user.Nick,
		user:    user,
		isGuest: isGuest,
	}
}

func (c *Client) Nick() string { return c.nick }

func (c *Client) currentHub() *Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub
}

func (c *Client) setHub(h *Hub) {
	c.mu.Lock()
	c.hub = h
	c.mu.Unlock()
}

// clearHub resets the client's room only if it still points at h. Used by
// forced drops racing a concurrent rejoin.
func (c *Client) clearHub(h *Hub) {
	c.mu.Lock()
	if c.hub == h {
		c.hub = nil
	}
	c.mu.Unlock()
}

// enqueue appends a payload to the outbound buffer. A full buffer means the
// consumer cannot keep up, the connection is closed rather than blocking the
// room's fan-out.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.Send <- payload:
	default:
		globals.AppLogger.Warn("dropping slow client", "conn_id", c.connId, "nick", c.nick)
		c.closeConn()
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) sendEvent(event string, seq int64, data interface{}) {
	payload, err := types.NewWireMessage(event, seq, data)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	c.enqueue(payload)
}

func (c *Client) sendResult(seq int64, res types.Result) {
	c.sendEvent(types.WireMessageTypeResult, seq, res)
}

// ReadLoop pumps messages from the websocket connection into the command
// dispatch. The application runs ReadLoop in a per-connection goroutine,
// ensuring at most one reader per connection.
func (c *Client) ReadLoop() {
	defer func() {
		c.manager.Disconnect(c)
		c.closeConn()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				globals.AppLogger.Debug("websocket closed unexpectedly", "conn_id", c.connId, "error", err)
			}
			return
		}
		env := &types.WebsocketMessage{}
		if err := json.Unmarshal(raw, env); err != nil {
			globals.AppLogger.Debug("could not unmarshal envelope", "conn_id", c.connId, "error", err)
			c.sendResult(0, types.FailResult(types.ErrValidation))
			continue
		}
		c.dispatch(env)
	}
}

// WriteLoop pumps outbound payloads to the websocket connection and keeps
// the connection alive with pings. At most one writer per connection.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()
	for {
		select {
		case payload := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one client command and resolves it to a result correlated
// by the envelope's sequence number.
func (c *Client) dispatch(env *types.WebsocketMessage) {
	var res types.Result
	switch env.Event {
	case types.MessageTypeJoinGlobal:
		res = c.manager.JoinRoom(c, types.GlobalRoomId, "", "")

	case types.MessageTypeCreateRoom:
		req := &createRoomRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			res = types.FailResult(types.ErrValidation)
		} else {
			res = c.manager.CreateRoom(c, req.RoomId, req.Secret)
		}

	case types.MessageTypeJoinRoom:
		req := &joinRoomRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			res = types.FailResult(types.ErrValidation)
		} else {
			res = c.manager.JoinRoom(c, req.RoomId, req.Secret, req.InviteToken)
		}

	case types.MessageTypeLeaveRoom:
		req := &leaveRoomRequest{}
		_ = decodePayload(env.Data, req)
		c.manager.LeaveRoom(c)
		res = types.OkResult()

	default:
		res = c.dispatchRoomCommand(env)
	}
	c.sendResult(env.Seq, res)
}

// dispatchRoomCommand handles the commands that require room membership.
// They execute on the room hub's loop.
func (c *Client) dispatchRoomCommand(env *types.WebsocketMessage) types.Result {
	var (
		run    func(h *Hub) types.Result
		roomId string
	)
	switch env.Event {
	case types.MessageTypeChat:
		req := &sendMessageRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleSend(c, req) }
	case types.MessageTypeEdit:
		req := &editMessageRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleEdit(c, req) }
	case types.MessageTypeDelete:
		req := &deleteMessageRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleDelete(c, req) }
	case types.MessageTypeReact:
		req := &reactRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleReact(c, req) }
	case types.MessageTypeSeenUpTo:
		req := &seenUpToRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleSeen(c, req) }
	case types.MessageTypeCreatePoll:
		req := &createPollRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleCreatePoll(c, req) }
	case types.MessageTypeVotePoll:
		req := &votePollRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleVote(c, req) }
	case types.MessageTypeClosePoll:
		req := &closePollRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleClosePoll(c, req) }
	case types.MessageTypeTyping:
		req := &typingRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleTyping(c, req) }
	case types.MessageTypeSlash:
		req := &slashRequest{}
		if err := decodePayload(env.Data, req); err != nil {
			return types.FailResult(types.ErrValidation)
		}
		roomId = req.RoomId
		run = func(h *Hub) types.Result { return h.handleSlash(c, req) }
	default:
		return types.FailResult(types.ErrValidation)
	}

	hub := c.currentHub()
	if hub == nil || hub.roomId != roomId {
		return types.FailResult(types.ErrForbidden)
	}
	return hub.execute(func() types.Result { return run(hub) })
}
