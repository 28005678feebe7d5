package persistence

import (
	"errors"
	"time"

	"github.com/parleychat/parley/cursor"
	"github.com/parleychat/parley/types"
)

var (
	// ErrNotFound is returned when a referenced room, user, message or
	// token does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrInviteInvalid is returned when an invite token is unknown,
	// expired or already consumed.
	ErrInviteInvalid = errors.New("invite token invalid")
)

// Persister is the durable storage layer. Messages form an append-only
// ordered log per room with reverse-chronological range scans keyed by the
// immutable (created-at, id) pair, point lookups and text search. Message
// updates are serialized per message id by the implementation, concurrent
// field-level updates must not overwrite each other.
type Persister interface {
	StoreRoom(room *types.Room) error
	GetRoom(room *types.Room) error
	GetRooms() ([]*types.Room, error)
	// UpdateRoom applies a mutation to the room record under the store's
	// per-row serialization and returns the updated record.
	UpdateRoom(roomId string, apply func(*types.Room) error) (*types.Room, error)
	DeleteRoom(room *types.Room) error

	StoreUser(user types.User) error
	GetUser(user *types.User) error
	GetUsers() ([]*types.User, error)
	DeleteUser(user *types.User) error

	// AppendMessage writes a new message record. CreatedAt and Id must
	// already be assigned.
	AppendMessage(msg *types.Message) error
	GetMessage(roomId, id string) (*types.Message, error)
	// UpdateMessage applies a mutation under per-message serialization. An
	// error returned by apply aborts the update and is passed through.
	UpdateMessage(roomId, id string, apply func(*types.Message) error) (*types.Message, error)
	DeleteMessage(roomId, id string) error
	// MessagesBefore returns up to limit messages strictly older than the
	// cursor position (all newest messages for the zero cursor), ordered
	// newest-first.
	MessagesBefore(roomId string, before cursor.Cursor, limit int) ([]*types.Message, error)
	// SearchMessages returns text messages containing the query, newest
	// first, bounded by limit.
	SearchMessages(roomId, query string, limit int) ([]*types.Message, error)
	// MarkSeenUpTo adds nick to the seen-by set of every message in the
	// room whose sort key is at or before the referenced message's.
	MarkSeenUpTo(roomId, id, nick string) error

	CreateInvite(token *types.InviteToken) error
	// RedeemInvite validates the token for the room and marks single-use
	// tokens consumed. Marking happens before the join completes
	// (mark-then-join).
	RedeemInvite(roomId, token string, now time.Time) error
	PurgeExpiredInvites(now time.Time) (int, error)

	Close() error
}
