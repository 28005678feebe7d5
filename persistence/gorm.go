package persistence

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/cursor"
	"github.com/parleychat/parley/types"
)

// seenScanLimit bounds how far back a single seen-up-to call walks the log.
const seenScanLimit = 500

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.User{}, &types.Room{}, &types.Message{}, &types.InviteToken{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// rowLock adds a row lock on backends that support it. SQLite serializes
// writers anyway.
func (p *GormPersist) rowLock(tx *gorm.DB) *gorm.DB {
	if p.db.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (p *GormPersist) StoreRoom(room *types.Room) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(room).Error
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	return notFound(p.db.First(room).Error)
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) UpdateRoom(roomId string, apply func(*types.Room) error) (*types.Room, error) {
	room := &types.Room{Id: roomId}
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := p.rowLock(tx).First(room).Error; err != nil {
			return notFound(err)
		}
		if err := apply(room); err != nil {
			return err
		}
		return tx.Save(room).Error
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *GormPersist) DeleteRoom(room *types.Room) error {
	return p.db.Delete(room).Error
}

func (p *GormPersist) StoreUser(user types.User) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&user).Error
}

func (p *GormPersist) GetUser(user *types.User) error {
	return notFound(p.db.First(user).Error)
}

func (p *GormPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.Find(&users).Error
	return users, err
}

func (p *GormPersist) DeleteUser(user *types.User) error {
	return p.db.Delete(user).Error
}

func (p *GormPersist) AppendMessage(msg *types.Message) error {
	return p.db.Create(msg).Error
}

func (p *GormPersist) GetMessage(roomId, id string) (*types.Message, error) {
	msg := &types.Message{}
	err := p.db.Where("room_id = ? AND id = ?", roomId, id).First(msg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return msg, nil
}

func (p *GormPersist) UpdateMessage(roomId, id string, apply func(*types.Message) error) (*types.Message, error) {
	msg := &types.Message{}
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := p.rowLock(tx).Where("room_id = ? AND id = ?", roomId, id).First(msg).Error; err != nil {
			return notFound(err)
		}
		if err := apply(msg); err != nil {
			return err
		}
		return tx.Save(msg).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *GormPersist) DeleteMessage(roomId, id string) error {
	return p.db.Where("room_id = ? AND id = ?", roomId, id).Delete(&types.Message{}).Error
}

func (p *GormPersist) MessagesBefore(roomId string, before cursor.Cursor, limit int) ([]*types.Message, error) {
	msgs := make([]*types.Message, 0, limit)
	q := p.db.Where("room_id = ?", roomId)
	if !before.IsZero() {
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)",
			before.CreatedAt, before.CreatedAt, before.Id)
	}
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *GormPersist) SearchMessages(roomId, query string, limit int) ([]*types.Message, error) {
	msgs := make([]*types.Message, 0, limit)
	err := p.db.
		Where("room_id = ? AND type = ? AND text LIKE ?", roomId, types.MessageTypeText, "%"+query+"%").
		Order("created_at DESC").Order("id DESC").Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *GormPersist) MarkSeenUpTo(roomId, id, nick string) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		ref := &types.Message{}
		if err := tx.Where("room_id = ? AND id = ?", roomId, id).First(ref).Error; err != nil {
			return notFound(err)
		}
		msgs := make([]*types.Message, 0)
		err := p.rowLock(tx).
			Where("room_id = ? AND (created_at < ? OR (created_at = ? AND id <= ?))",
				roomId, ref.CreatedAt, ref.CreatedAt, ref.Id).
			Order("created_at DESC").Order("id DESC").Limit(seenScanLimit).
			Find(&msgs).Error
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.SeenBy.Add(nick) {
				if err := tx.Model(m).Update("seen_by", m.SeenBy).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (p *GormPersist) CreateInvite(token *types.InviteToken) error {
	return p.db.Create(token).Error
}

func (p *GormPersist) RedeemInvite(roomId, token string, now time.Time) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		tok := &types.InviteToken{}
		err := p.rowLock(tx).Where("token = ? AND room_id = ?", token, roomId).First(tok).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInviteInvalid
			}
			return err
		}
		if !tok.Usable(now) {
			return ErrInviteInvalid
		}
		if tok.SingleUse {
			return tx.Model(tok).Update("used_at", now).Error
		}
		return nil
	})
}

func (p *GormPersist) PurgeExpiredInvites(now time.Time) (int, error) {
	res := p.db.Where("expires_at IS NOT NULL AND expires_at < ?", now).Delete(&types.InviteToken{})
	return int(res.RowsAffected), res.Error
}

func (p *GormPersist) Close() error {
	return nil
}
