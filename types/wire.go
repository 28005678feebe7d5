package types

import (
	"encoding/json"
	"time"
)

// Client to server events.
const (
	MessageTypeJoinGlobal = "joinGlobal"
	MessageTypeCreateRoom = "createRoom"
	MessageTypeJoinRoom   = "joinRoom"
	MessageTypeLeaveRoom  = "leaveRoom"
	MessageTypeChat       = "messageRoom"
	MessageTypeEdit       = "editMessage"
	MessageTypeDelete     = "deleteMessage"
	MessageTypeReact      = "reactMessage"
	MessageTypeSeenUpTo   = "seenUpTo"
	MessageTypeCreatePoll = "createPoll"
	MessageTypeVotePoll   = "votePoll"
	MessageTypeClosePoll  = "closePoll"
	MessageTypeTyping     = "typing"
	MessageTypeSlash      = "slash"
)

// Server to client events.
const (
	WireMessageTypeResult      = "result"
	WireMessageTypeHistory     = "history"
	WireMessageTypeRoomInfo    = "roomInfo"
	WireMessageTypeChat        = "message"
	WireMessageTypeEdited      = "messageEdited"
	WireMessageTypeDeleted     = "messageDeleted"
	WireMessageTypePollUpdated = "pollUpdated"
	WireMessageTypeOnlineCount = "onlineCount"
	WireMessageTypeOnlineUsers = "onlineUsers"
	WireMessageTypeTyping      = "typing"
	WireMessageTypeMention     = "mention"
	WireMessageTypeSlowMode    = "slowMode"
	WireMessageTypeBanned      = "banned"
	WireMessageTypeConnected   = "connected"
)

// WebsocketMessage is the envelope actually sent over the websocket in both
// directions. Seq is a client-chosen correlation number, echoed on the
// matching result event and zero on server pushes.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// NewWireMessage marshals data into a wire envelope.
func NewWireMessage(event string, seq int64, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Seq: seq, Data: raw})
}

// HistoryPage is the payload of a history event: one page of messages in
// oldest-first display order plus the cursor for the next older page. An
// absent cursor means the log is exhausted.
type HistoryPage struct {
	Items      []*Message `json:"items"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// RoomInfo is the room-metadata payload pushed on join and after every
// moderation command. Pins carries the pinned messages resolved from ids,
// already filtered of deleted ones.
type RoomInfo struct {
	RoomId        string         `json:"room_id"`
	Topic         string         `json:"topic"`
	Rules         string         `json:"rules"`
	SlowModeSec   int            `json:"slow_mode_sec"`
	Theme         Theme          `json:"theme"`
	Pins          []*Message     `json:"pins"`
	Announcements []Announcement `json:"announcements"`
}

// MessagePatch is broadcast after an edit or reaction change instead of the
// full message. Unchanged derived fields are echoed for client convenience.
type MessagePatch struct {
	Id          string              `json:"id"`
	NewText     string              `json:"new_text,omitempty"`
	EditedAt    *time.Time          `json:"edited_at,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	SeenBy      []string            `json:"seen_by,omitempty"`
	LinkPreview *LinkPreview        `json:"link_preview,omitempty"`
	Flagged     bool                `json:"flagged,omitempty"`
}
