package ws

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/cursor"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/moderation"
	"github.com/parleychat/parley/persistence"
	"github.com/parleychat/parley/presence"
	"github.com/parleychat/parley/preview"
	"github.com/parleychat/parley/ratelimit"
	"github.com/parleychat/parley/types"
)

const (
	maxMessageSize = 64 * 1024
	pongWait       = 2 * time.Minute
	pingPeriod     = time.Minute
	writeWait      = 10 * time.Second

	sendChannelSize = 1000
	taskChannelSize = 1000

	defaultHistorySize = 50
)

var mentionPattern = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_]+)\b`)

// sentinels used by update closures to signal a normalized rejection.
var (
	errForbidden  = errors.New("forbidden")
	errConflict   = errors.New("conflict")
	errValidation = errors.New("validation")
)

// Hub owns one room. All command processing runs on the hub's single Run
// goroutine, so admission checks, the store append and the fan-out of one
// message are a single serialized step and every client observes broadcasts
// in store order.
type Hub struct {
	roomId string

	cfg       *config.Config
	persister persistence.Persister
	presence  *presence.Registry
	governor  *ratelimit.Governor
	filter    *moderation.Filter
	previewer *preview.Fetcher

	// room is the loop-owned metadata snapshot, refreshed on every room
	// update that goes through the hub.
	room *types.Room

	clients map[*Client]struct{}
	byId    map[string]*Client

	tasks chan func()
	done  chan struct{}

	// mutex for manipulating the clients
	sync.RWMutex
}

func NewHub(roomId string, cfg *config.Config, persister persistence.Persister, reg *presence.Registry, governor *ratelimit.Governor, filter *moderation.Filter, previewer *preview.Fetcher) (*Hub, error) {
	room := &types.Room{Id: roomId}
	if err := persister.GetRoom(room); err != nil {
		return nil, err
	}
	return &Hub{
		roomId:    roomId,
		cfg:       cfg,
		persister: persister,
		presence:  reg,
		governor:  governor,
		filter:    filter,
		previewer: previewer,
		room:      room,
		clients:   make(map[*Client]struct{}),
		byId:      make(map[string]*Client),
		tasks:     make(chan func(), taskChannelSize),
		done:      make(chan struct{}),
	}, nil
}

// Run is the hub event loop. It executes queued tasks one at a time until the
// hub is stopped.
func (h *Hub) Run() {
	for {
		select {
		case fn := <-h.tasks:
			fn()
		case <-h.done:
			return
		}
	}
}

func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// do queues fn onto the hub loop without waiting for it.
func (h *Hub) do(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.done:
	}
}

// execute runs fn on the hub loop and waits for its result.
func (h *Hub) execute(fn func() types.Result) types.Result {
	reply := make(chan types.Result, 1)
	select {
	case h.tasks <- func() { reply <- fn() }:
	case <-h.done:
		return types.FailResult(types.ErrUpstreamUnavailable)
	}
	select {
	case r := <-reply:
		return r
	case <-h.done:
		return types.FailResult(types.ErrUpstreamUnavailable)
	}
}

func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// broadcast fans a payload out to every registered client. Slow clients whose
// send buffer is full are dropped instead of blocking the room.
func (h *Hub) broadcast(payload []byte) {
	h.RLock()
	defer h.RUnlock()
	for c := range h.clients {
		c.enqueue(payload)
	}
}

func (h *Hub) broadcastEvent(event string, data interface{}) {
	payload, err := types.NewWireMessage(event, 0, data)
	if err != nil {
		globals.AppLogger.Error("could not marshal broadcast", "event", event, "error", err)
		return
	}
	h.broadcast(payload)
}

func (h *Hub) broadcastPresence() {
	h.broadcastEvent(types.WireMessageTypeOnlineCount, onlineCountEvent{RoomId: h.roomId, Count: h.presence.Count(h.roomId)})
	h.broadcastEvent(types.WireMessageTypeOnlineUsers, onlineUsersEvent{RoomId: h.roomId, Users: h.presence.Names(h.roomId)})
}

// join registers the client, sends it the initial history page and room
// metadata and announces the new presence. Runs on the hub loop.
func (h *Hub) join(c *Client) types.Result {
	h.Lock()
	h.clients[c] = struct{}{}
	h.byId[c.connId] = c
	h.Unlock()
	h.presence.Join(h.roomId, c.connId, c.nick)

	historySize := defaultHistorySize
	if h.cfg.HistoryConfig.HistorySize > 0 {
		historySize = h.cfg.HistoryConfig.HistorySize
	}
	page, err := h.historyPage(cursor.Cursor{}, historySize)
	if err != nil {
		globals.AppLogger.Error("could not load history", "room", h.roomId, "error", err)
	} else {
		c.sendEvent(types.WireMessageTypeHistory, 0, page)
	}
	c.sendEvent(types.WireMessageTypeRoomInfo, 0, h.roomInfo())
	h.broadcastPresence()
	return types.OkResult()
}

// leave removes the client and announces the presence change. Idempotent.
// Runs on the hub loop.
func (h *Hub) leave(c *Client) {
	h.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		delete(h.byId, c.connId)
	}
	h.Unlock()
	if !ok {
		return
	}
	h.presence.Leave(h.roomId, c.connId)
	h.broadcastPresence()
}

// kickNick drops every connection of nick from the room. When banned is set
// the connections are told why. Runs on the hub loop.
func (h *Hub) kickNick(nick string, banned bool) {
	for _, connId := range h.presence.SocketsFor(h.roomId, nick) {
		h.RLock()
		c := h.byId[connId]
		h.RUnlock()
		if c == nil {
			continue
		}
		if banned {
			c.sendEvent(types.WireMessageTypeBanned, 0, bannedEvent{RoomId: h.roomId})
		}
		h.leave(c)
		c.clearHub(h)
	}
}

// historyPage loads one page of the room log and converts it to display
// order plus the cursor of the next older page.
func (h *Hub) historyPage(before cursor.Cursor, limit int) (*types.HistoryPage, error) {
	msgs, err := h.persister.MessagesBefore(h.roomId, before, limit)
	if err != nil {
		return nil, err
	}
	page := &types.HistoryPage{Items: make([]*types.Message, 0, len(msgs))}
	if len(msgs) == limit {
		oldest := msgs[len(msgs)-1]
		page.NextCursor = cursor.Encode(cursor.Cursor{CreatedAt: oldest.CreatedAt, Id: oldest.Id})
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Items = append(page.Items, msgs[i])
	}
	return page, nil
}

// roomInfo builds the metadata payload, resolving pinned ids and dropping
// dangling ones.
func (h *Hub) roomInfo() *types.RoomInfo {
	pins := make([]*types.Message, 0, len(h.room.PinnedIds))
	for _, id := range h.room.PinnedIds {
		msg, err := h.persister.GetMessage(h.roomId, id)
		if err != nil {
			continue
		}
		pins = append(pins, msg)
	}
	return &types.RoomInfo{
		RoomId:        h.room.Id,
		Topic:         h.room.Topic,
		Rules:         h.room.Rules,
		SlowModeSec:   h.room.SlowModeSec,
		Theme:         h.room.Theme,
		Pins:          pins,
		Announcements: h.room.Announcements,
	}
}

// updateRoom applies a durable room change, refreshes the loop-owned
// snapshot and pushes the new metadata to everyone. Runs on the hub loop.
func (h *Hub) updateRoom(apply func(*types.Room) error) types.Result {
	updated, err := h.persister.UpdateRoom(h.roomId, apply)
	if err != nil {
		return failFor(err)
	}
	h.room = updated
	h.broadcastEvent(types.WireMessageTypeRoomInfo, h.roomInfo())
	return types.OkResult()
}

// failFor maps storage and closure errors onto the wire error taxonomy.
func failFor(err error) types.Result {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return types.FailResult(types.ErrNotFound)
	case errors.Is(err, errForbidden):
		return types.FailResult(types.ErrForbidden)
	case errors.Is(err, errConflict):
		return types.FailResult(types.ErrConflict)
	case errors.Is(err, errValidation):
		return types.FailResult(types.ErrValidation)
	default:
		globals.AppLogger.Error("storage operation failed", "error", err)
		return types.FailResult(types.ErrUpstreamUnavailable)
	}
}

// admit runs the ban and throughput gates shared by all message-producing
// commands.
func (h *Hub) admit(nick string) (types.Result, bool) {
	if h.room.IsBanned(nick) {
		return types.FailResult(types.ErrBanned), false
	}
	if !h.governor.CheckRateLimit(h.roomId, nick) {
		return types.FailResult(types.ErrRateLimit), false
	}
	if ok, wait := h.governor.CheckSlowMode(h.roomId, nick, h.room.SlowModeSec); !ok {
		res := types.FailResult(types.ErrSlowMode)
		res.WaitMs = wait.Milliseconds()
		return res, false
	}
	return types.Result{}, true
}

// appendAndBroadcast makes the message durable, then fans it out. Broadcast
// strictly follows the append, a message that failed to persist is never
// seen by anyone.
func (h *Hub) appendAndBroadcast(msg *types.Message) types.Result {
	if err := msg.CreateId(); err != nil {
		return failFor(err)
	}
	if err := h.persister.AppendMessage(msg); err != nil {
		return failFor(err)
	}
	h.broadcastEvent(types.WireMessageTypeChat, msg)
	h.notifyMentions(msg)
	res := types.OkResult()
	res.Id = msg.Id
	return res
}

func (h *Hub) handleSend(c *Client, req *sendMessageRequest) types.Result {
	msgType := req.Type
	if msgType == "" {
		msgType = types.MessageTypeText
	}
	msg := &types.Message{
		RoomId:    h.roomId,
		Nick:      c.nick,
		Type:      msgType,
		CreatedAt: time.Now().UTC(),
	}
	switch msgType {
	case types.MessageTypeText:
		text := strings.TrimSpace(req.Text)
		if text == "" || utf8.RuneCountInString(text) > types.MaxMessageLen {
			return types.FailResult(types.ErrValidation)
		}
		msg.Text, msg.Flagged = h.filter.Apply(h.roomId, c.nick, text)
	case types.MessageTypeImage:
		if req.ImageUrl == "" {
			return types.FailResult(types.ErrValidation)
		}
		msg.ImageUrl = req.ImageUrl
		msg.Text, _ = h.filter.Apply(h.roomId, c.nick, strings.TrimSpace(req.Text))
	case types.MessageTypeFile:
		if req.FileUrl == "" {
			return types.FailResult(types.ErrValidation)
		}
		msg.FileUrl = req.FileUrl
		msg.FileName = req.FileName
	default:
		return types.FailResult(types.ErrValidation)
	}
	if req.ParentId != "" {
		parent, err := h.persister.GetMessage(h.roomId, req.ParentId)
		if err != nil {
			return failFor(err)
		}
		msg.Parent = parent.Snapshot()
	}
	// slow mode commits on success, so it must be the last gate: a send
	// rejected above must not consume the interval
	if res, ok := h.admit(c.nick); !ok {
		return res
	}
	res := h.appendAndBroadcast(msg)
	if res.Ok && msg.Type == types.MessageTypeText && h.previewer != nil && preview.FirstUrl(msg.Text) != "" {
		go h.resolvePreview(msg.Id, msg.Text)
	}
	return res
}

// resolvePreview runs off-loop: the fetch is slow network I/O and must not
// stall the room. The resulting patch re-enters the loop.
func (h *Hub) resolvePreview(id, text string) {
	p := h.previewer.Fetch(context.Background(), text)
	if p == nil {
		return
	}
	h.do(func() {
		_, err := h.persister.UpdateMessage(h.roomId, id, func(m *types.Message) error {
			m.LinkPreview = p
			return nil
		})
		if err != nil {
			// the message may have been deleted in the meantime
			return
		}
		h.broadcastEvent(types.WireMessageTypeEdited, types.MessagePatch{Id: id, LinkPreview: p})
	})
}

// notifyMentions scans the text for @name tokens and notifies each live
// connection of each mentioned name at most once.
func (h *Hub) notifyMentions(msg *types.Message) {
	if msg.Text == "" {
		return
	}
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(msg.Text, -1) {
		nick := m[1]
		if nick == msg.Nick {
			continue
		}
		if _, ok := seen[nick]; ok {
			continue
		}
		seen[nick] = struct{}{}
		snippet := msg.Text
		if utf8.RuneCountInString(snippet) > 200 {
			snippet = string([]rune(snippet)[:200])
		}
		for _, connId := range h.presence.SocketsFor(h.roomId, nick) {
			h.RLock()
			c := h.byId[connId]
			h.RUnlock()
			if c == nil {
				continue
			}
			c.sendEvent(types.WireMessageTypeMention, 0, mentionEvent{
				RoomId:    h.roomId,
				MessageId: msg.Id,
				From:      msg.Nick,
				Snippet:   snippet,
			})
		}
	}
}

func (h *Hub) handleEdit(c *Client, req *editMessageRequest) types.Result {
	newText := strings.TrimSpace(req.NewText)
	if newText == "" || utf8.RuneCountInString(newText) > types.MaxMessageLen {
		return types.FailResult(types.ErrValidation)
	}
	filtered, flagged := h.filter.Apply(h.roomId, c.nick, newText)
	now := time.Now().UTC()
	msg, err := h.persister.UpdateMessage(h.roomId, req.Id, func(m *types.Message) error {
		if m.Nick != c.nick {
			return errForbidden
		}
		if m.Type == types.MessageTypePoll {
			return errValidation
		}
		m.EditHistory = append(m.EditHistory, types.EditEntry{Text: m.Text, EditedAt: now})
		m.Text = filtered
		m.Flagged = flagged
		m.EditedAt = &now
		return nil
	})
	if err != nil {
		return failFor(err)
	}
	h.broadcastEvent(types.WireMessageTypeEdited, types.MessagePatch{
		Id:       msg.Id,
		NewText:  msg.Text,
		EditedAt: msg.EditedAt,
		Flagged:  msg.Flagged,
	})
	return types.OkResult()
}

func (h *Hub) handleDelete(c *Client, req *deleteMessageRequest) types.Result {
	msg, err := h.persister.GetMessage(h.roomId, req.Id)
	if err != nil {
		return failFor(err)
	}
	if msg.Nick != c.nick && !h.room.IsModerator(c.nick) {
		return types.FailResult(types.ErrForbidden)
	}
	if err := h.persister.DeleteMessage(h.roomId, req.Id); err != nil {
		return failFor(err)
	}
	if h.room.PinnedIds.Contains(req.Id) {
		if res := h.updateRoom(func(r *types.Room) error {
			r.Unpin(req.Id)
			return nil
		}); !res.Ok {
			globals.AppLogger.Warn("could not unpin deleted message", "room", h.roomId, "id", req.Id)
		}
	}
	h.broadcastEvent(types.WireMessageTypeDeleted, deletedEvent{RoomId: h.roomId, Id: req.Id})
	return types.OkResult()
}

func (h *Hub) handleReact(c *Client, req *reactRequest) types.Result {
	if utf8.RuneCountInString(req.Emoji) > 16 {
		return types.FailResult(types.ErrValidation)
	}
	msg, err := h.persister.UpdateMessage(h.roomId, req.Id, func(m *types.Message) error {
		m.ToggleReaction(req.Emoji, c.nick)
		return nil
	})
	if err != nil {
		return failFor(err)
	}
	h.broadcastEvent(types.WireMessageTypeEdited, types.MessagePatch{Id: msg.Id, Reactions: msg.Reactions})
	return types.OkResult()
}

// handleSeen marks every message at or before the given one as seen by the
// sender. Receipts are attached on read, there is no broadcast.
func (h *Hub) handleSeen(c *Client, req *seenUpToRequest) types.Result {
	if err := h.persister.MarkSeenUpTo(h.roomId, req.Id, c.nick); err != nil {
		return failFor(err)
	}
	return types.OkResult()
}

func (h *Hub) handleCreatePoll(c *Client, req *createPollRequest) types.Result {
	question := strings.TrimSpace(req.Question)
	if question == "" || utf8.RuneCountInString(question) > types.MaxPollQuestion {
		return types.FailResult(types.ErrValidation)
	}
	if len(req.Options) < types.MinPollOptions || len(req.Options) > types.MaxPollOptions {
		return types.FailResult(types.ErrValidation)
	}
	options := make([]types.PollOption, 0, len(req.Options))
	for _, o := range req.Options {
		o = strings.TrimSpace(o)
		if o == "" || utf8.RuneCountInString(o) > types.MaxPollOptionLen {
			return types.FailResult(types.ErrValidation)
		}
		options = append(options, types.PollOption{Text: o, Votes: []string{}})
	}
	if res, ok := h.admit(c.nick); !ok {
		return res
	}
	msg := &types.Message{
		RoomId:    h.roomId,
		Nick:      c.nick,
		Type:      types.MessageTypePoll,
		Poll:      &types.Poll{Question: question, Options: options},
		CreatedAt: time.Now().UTC(),
	}
	return h.appendAndBroadcast(msg)
}

func (h *Hub) handleVote(c *Client, req *votePollRequest) types.Result {
	msg, err := h.persister.UpdateMessage(h.roomId, req.Id, func(m *types.Message) error {
		if m.Type != types.MessageTypePoll || m.Poll == nil {
			return errValidation
		}
		if m.Poll.IsClosed {
			return errConflict
		}
		if req.Option < 0 || req.Option >= len(m.Poll.Options) {
			return errValidation
		}
		return m.Poll.Vote(req.Option, c.nick)
	})
	if err != nil {
		return failFor(err)
	}
	h.broadcastEvent(types.WireMessageTypePollUpdated, msg)
	return types.OkResult()
}

func (h *Hub) handleClosePoll(c *Client, req *closePollRequest) types.Result {
	msg, err := h.persister.UpdateMessage(h.roomId, req.Id, func(m *types.Message) error {
		if m.Type != types.MessageTypePoll || m.Poll == nil {
			return errValidation
		}
		if m.Nick != c.nick {
			return errForbidden
		}
		if m.Poll.IsClosed {
			return errConflict
		}
		m.Poll.IsClosed = true
		return nil
	})
	if err != nil {
		return failFor(err)
	}
	h.broadcastEvent(types.WireMessageTypePollUpdated, msg)
	return types.OkResult()
}

// handleTyping relays the indicator to everyone else in the room. It is
// purely ephemeral, expiry is the client's business.
func (h *Hub) handleTyping(c *Client, req *typingRequest) types.Result {
	payload, err := types.NewWireMessage(types.WireMessageTypeTyping, 0, typingEvent{
		RoomId:   h.roomId,
		Nick:     c.nick,
		IsTyping: req.IsTyping,
	})
	if err != nil {
		return failFor(err)
	}
	h.RLock()
	for other := range h.clients {
		if other != c {
			other.enqueue(payload)
		}
	}
	h.RUnlock()
	return types.OkResult()
}
