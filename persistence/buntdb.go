package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/cursor"
	"github.com/parleychat/parley/types"
)

// BuntDBPersist is the file-backed storage variant. Messages are stored under
// keys of the form msg:<room>:<zero-padded unix nanos>:<id>, so plain key
// order equals the (created-at, id) sort order and range scans are key scans.
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	if cfg.PersistenceConfig.Type != "buntdb" || cfg.PersistenceConfig.DSN == "" {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func msgPrefix(roomId string) string {
	return "msg:" + roomId + ":"
}

func msgKey(roomId string, created time.Time, id string) string {
	return fmt.Sprintf("%s%020d:%s", msgPrefix(roomId), created.UnixNano(), id)
}

// msgIdKey maps (room, id) to the full message key for point lookups.
func msgIdKey(roomId, id string) string {
	return "msgid:" + roomId + ":" + id
}

func buntNotFound(err error) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) getJSON(tx *buntdb.Tx, key string, out interface{}) error {
	v, err := tx.Get(key)
	if err != nil {
		return buntNotFound(err)
	}
	return json.Unmarshal([]byte(v), out)
}

func (p *BuntDBPersist) setJSON(tx *buntdb.Tx, key string, val interface{}) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return err
}

// storedRoom is the storage shape of a room. Room values round-trip through
// encoding/json here, and the wire-facing tags of types.Room hide the secret
// hash, the ban list and the timestamps from clients, so those fields are
// carried explicitly.
type storedRoom struct {
	types.Room
	SecretHash string                `json:"secret_hash,omitempty"`
	Banned     types.JSONStringSlice `json:"banned,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func encodeRoom(r *types.Room) *storedRoom {
	return &storedRoom{
		Room:       *r,
		SecretHash: r.SecretHash,
		Banned:     r.Banned,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (s *storedRoom) room() types.Room {
	r := s.Room
	r.SecretHash = s.SecretHash
	r.Banned = s.Banned
	r.CreatedAt = s.CreatedAt
	r.UpdatedAt = s.UpdatedAt
	return r
}

func (p *BuntDBPersist) StoreRoom(room *types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return p.setJSON(tx, "room:"+room.Id, encodeRoom(room))
	})
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		stored := storedRoom{}
		if err := p.getJSON(tx, "room:"+room.Id, &stored); err != nil {
			return err
		}
		*room = stored.room()
		return nil
	})
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, val string) bool {
			stored := storedRoom{}
			if err := json.Unmarshal([]byte(val), &stored); err == nil {
				room := stored.room()
				rooms = append(rooms, &room)
			}
			return true
		})
	})
	return rooms, err
}

func (p *BuntDBPersist) UpdateRoom(roomId string, apply func(*types.Room) error) (*types.Room, error) {
	room := &types.Room{}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		stored := storedRoom{}
		if err := p.getJSON(tx, "room:"+roomId, &stored); err != nil {
			return err
		}
		*room = stored.room()
		if err := apply(room); err != nil {
			return err
		}
		return p.setJSON(tx, "room:"+roomId, encodeRoom(room))
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *BuntDBPersist) DeleteRoom(room *types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete("room:" + room.Id)
		return buntNotFound(err)
	})
}

func (p *BuntDBPersist) StoreUser(user types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return p.setJSON(tx, "user:"+user.Id, user)
	})
}

func (p *BuntDBPersist) GetUser(user *types.User) error {
	if user.Id == "" {
		return fmt.Errorf("no user id")
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return p.getJSON(tx, "user:"+user.Id, user)
	})
}

func (p *BuntDBPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(key, val string) bool {
			user := &types.User{}
			if err := json.Unmarshal([]byte(val), user); err == nil {
				users = append(users, user)
			}
			return true
		})
	})
	return users, err
}

func (p *BuntDBPersist) DeleteUser(user *types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete("user:" + user.Id)
		return buntNotFound(err)
	})
}

func (p *BuntDBPersist) AppendMessage(msg *types.Message) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key := msgKey(msg.RoomId, msg.CreatedAt, msg.Id)
		if err := p.setJSON(tx, key, msg); err != nil {
			return err
		}
		_, _, err := tx.Set(msgIdKey(msg.RoomId, msg.Id), key, nil)
		return err
	})
}

func (p *BuntDBPersist) GetMessage(roomId, id string) (*types.Message, error) {
	msg := &types.Message{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		key, err := tx.Get(msgIdKey(roomId, id))
		if err != nil {
			return buntNotFound(err)
		}
		return p.getJSON(tx, key, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *BuntDBPersist) UpdateMessage(roomId, id string, apply func(*types.Message) error) (*types.Message, error) {
	msg := &types.Message{}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		key, err := tx.Get(msgIdKey(roomId, id))
		if err != nil {
			return buntNotFound(err)
		}
		if err := p.getJSON(tx, key, msg); err != nil {
			return err
		}
		if err := apply(msg); err != nil {
			return err
		}
		return p.setJSON(tx, key, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *BuntDBPersist) DeleteMessage(roomId, id string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key, err := tx.Get(msgIdKey(roomId, id))
		if err != nil {
			return buntNotFound(err)
		}
		if _, err := tx.Delete(key); err != nil {
			return buntNotFound(err)
		}
		_, err = tx.Delete(msgIdKey(roomId, id))
		return buntNotFound(err)
	})
}

// scanBefore walks the room's message keys newest-first starting strictly
// below pivot, calling fn until it returns false.
func scanBefore(tx *buntdb.Tx, roomId, pivot string, fn func(key, val string) bool) error {
	prefix := msgPrefix(roomId)
	return tx.DescendLessOrEqual("", pivot, func(key, val string) bool {
		if key == pivot {
			return true
		}
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return fn(key, val)
	})
}

func (p *BuntDBPersist) MessagesBefore(roomId string, before cursor.Cursor, limit int) ([]*types.Message, error) {
	msgs := make([]*types.Message, 0, limit)
	pivot := msgPrefix(roomId) + "\xff"
	if !before.IsZero() {
		pivot = msgKey(roomId, before.CreatedAt, before.Id)
	}
	err := p.db.View(func(tx *buntdb.Tx) error {
		return scanBefore(tx, roomId, pivot, func(key, val string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(val), msg); err == nil {
				msgs = append(msgs, msg)
			}
			return len(msgs) < limit
		})
	})
	return msgs, err
}

func (p *BuntDBPersist) SearchMessages(roomId, query string, limit int) ([]*types.Message, error) {
	msgs := make([]*types.Message, 0, limit)
	pivot := msgPrefix(roomId) + "\xff"
	err := p.db.View(func(tx *buntdb.Tx) error {
		return scanBefore(tx, roomId, pivot, func(key, val string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(val), msg); err == nil {
				if msg.Type == types.MessageTypeText && strings.Contains(msg.Text, query) {
					msgs = append(msgs, msg)
				}
			}
			return len(msgs) < limit
		})
	})
	return msgs, err
}

func (p *BuntDBPersist) MarkSeenUpTo(roomId, id, nick string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		refKey, err := tx.Get(msgIdKey(roomId, id))
		if err != nil {
			return buntNotFound(err)
		}
		// the pivot itself is included: the referenced message counts as
		// seen, so collect it first
		type pending struct {
			key string
			msg *types.Message
		}
		updates := make([]pending, 0)
		collect := func(key, val string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(val), msg); err == nil {
				if msg.SeenBy.Add(nick) {
					updates = append(updates, pending{key: key, msg: msg})
				}
			}
			return len(updates) < seenScanLimit
		}
		refVal, err := tx.Get(refKey)
		if err != nil {
			return buntNotFound(err)
		}
		collect(refKey, refVal)
		if err := scanBefore(tx, roomId, refKey, collect); err != nil {
			return err
		}
		for _, u := range updates {
			if err := p.setJSON(tx, u.key, u.msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) CreateInvite(token *types.InviteToken) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return p.setJSON(tx, "invite:"+token.Token, token)
	})
}

func (p *BuntDBPersist) RedeemInvite(roomId, token string, now time.Time) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		tok := &types.InviteToken{}
		if err := p.getJSON(tx, "invite:"+token, tok); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrInviteInvalid
			}
			return err
		}
		if tok.RoomId != roomId || !tok.Usable(now) {
			return ErrInviteInvalid
		}
		if tok.SingleUse {
			tok.UsedAt = &now
			return p.setJSON(tx, "invite:"+token, tok)
		}
		return nil
	})
}

func (p *BuntDBPersist) PurgeExpiredInvites(now time.Time) (int, error) {
	purged := 0
	err := p.db.Update(func(tx *buntdb.Tx) error {
		expired := make([]string, 0)
		err := tx.AscendKeys("invite:*", func(key, val string) bool {
			tok := &types.InviteToken{}
			if err := json.Unmarshal([]byte(val), tok); err == nil {
				if tok.ExpiresAt != nil && now.After(*tok.ExpiresAt) {
					expired = append(expired, key)
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range expired {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	return purged, err
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
