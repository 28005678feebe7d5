package ws

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New()

// Client command payloads. They are decoded weakly from the wire envelope's
// data object, so numeric strings and the like are tolerated, then validated.

type createRoomRequest struct {
	RoomId string `json:"room" mapstructure:"room" validate:"required"`
	Secret string `json:"secret" mapstructure:"secret" validate:"required"`
}

type joinRoomRequest struct {
	RoomId      string `json:"room" mapstructure:"room" validate:"required"`
	Secret      string `json:"secret" mapstructure:"secret"`
	InviteToken string `json:"invite_token" mapstructure:"invite_token"`
}

type leaveRoomRequest struct {
	RoomId string `json:"room" mapstructure:"room"`
}

type sendMessageRequest struct {
	RoomId   string `json:"room" mapstructure:"room" validate:"required"`
	Type     string `json:"type" mapstructure:"type"`
	Text     string `json:"text" mapstructure:"text"`
	ImageUrl string `json:"image_url" mapstructure:"image_url"`
	FileUrl  string `json:"file_url" mapstructure:"file_url"`
	FileName string `json:"file_name" mapstructure:"file_name"`
	ParentId string `json:"parent_id" mapstructure:"parent_id"`
}

type editMessageRequest struct {
	RoomId  string `json:"room" mapstructure:"room" validate:"required"`
	Id      string `json:"id" mapstructure:"id" validate:"required"`
	NewText string `json:"new_text" mapstructure:"new_text"`
}

type deleteMessageRequest struct {
	RoomId string `json:"room" mapstructure:"room" validate:"required"`
	Id     string `json:"id" mapstructure:"id" validate:"required"`
}

type reactRequest struct {
	RoomId string `json:"room" mapstructure:"room" validate:"required"`
	Id     string `json:"id" mapstructure:"id" validate:"required"`
	Emoji  string `json:"emoji" mapstructure:"emoji" validate:"required"`
}

type seenUpToRequest struct {
	RoomId string `json:"room" mapstructure:"room" validate:"required"`
	Id     string `json:"id" mapstructure:"id" validate:"required"`
}

type createPollRequest struct {
	RoomId   string   `json:"room" mapstructure:"room" validate:"required"`
	Question string   `json:"question" mapstructure:"question" validate:"required"`
	Options  []string `json:"options" mapstructure:"options"`
}

type votePollRequest struct {
	RoomId string `json:"room" mapstructure:"room" validate:"required"`
	Id     string `json:"id" mapstructure:"id" validate:"required"`
	Option int    `json:"option" mapstructure:"option"`
}

type closePollRequest struct {
	RoomId string `json:"room" mapstructure:"room" validate:"required"`
	Id     string `json:"id" mapstructure:"id" validate:"required"`
}

type typingRequest struct {
	RoomId   string `json:"room" mapstructure:"room" validate:"required"`
	IsTyping bool   `json:"is_typing" mapstructure:"is_typing"`
}

type slashRequest struct {
	RoomId string `json:"room" mapstructure:"room" validate:"required"`
	Text   string `json:"text" mapstructure:"text" validate:"required"`
}

// Server push payloads.

type typingEvent struct {
	RoomId   string `json:"room"`
	Nick     string `json:"nick"`
	IsTyping bool   `json:"is_typing"`
}

type mentionEvent struct {
	RoomId    string `json:"room"`
	MessageId string `json:"message_id"`
	From      string `json:"from"`
	Snippet   string `json:"snippet"`
}

type onlineCountEvent struct {
	RoomId string `json:"room"`
	Count  int    `json:"count"`
}

type onlineUsersEvent struct {
	RoomId string   `json:"room"`
	Users  []string `json:"users"`
}

type deletedEvent struct {
	RoomId string `json:"room"`
	Id     string `json:"id"`
}

type bannedEvent struct {
	RoomId string `json:"room"`
}

type connectedEvent struct {
	Nick    string `json:"nick"`
	UserId  string `json:"user_id,omitempty"`
	IsGuest bool   `json:"is_guest"`
}

// decodePayload weakly decodes the raw data object of a wire envelope into
// the given request struct and runs the declared validations.
func decodePayload(raw json.RawMessage, out interface{}) error {
	var m map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
	}
	if err := mapstructure.WeakDecode(m, out); err != nil {
		return err
	}
	return validate.Struct(out)
}
