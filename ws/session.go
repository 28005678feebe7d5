package ws

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/moderation"
	"github.com/parleychat/parley/persistence"
	"github.com/parleychat/parley/presence"
	"github.com/parleychat/parley/preview"
	"github.com/parleychat/parley/ratelimit"
	"github.com/parleychat/parley/types"
)

const defaultBcryptCost = 10

// SessionManager owns the connection/room state machine. It holds one hub
// per active room, performs the join-time access checks and tears sessions
// down on disconnect.
type SessionManager struct {
	cfg       *config.Config
	persister persistence.Persister
	presence  *presence.Registry
	governor  *ratelimit.Governor
	filter    *moderation.Filter
	previewer *preview.Fetcher

	hubs     map[string]*Hub
	hubsLock sync.Mutex

	cronRunner *cron.Cron
}

func NewSessionManager(cfg *config.Config, persister persistence.Persister, filter *moderation.Filter, previewer *preview.Fetcher) (*SessionManager, error) {
	if persister == nil {
		return nil, errors.New("no persister configured")
	}
	window := time.Duration(cfg.RateLimitConfig.WindowSec) * time.Second
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	maxCount := cfg.RateLimitConfig.MaxCount
	if maxCount <= 0 {
		maxCount = ratelimit.DefaultMaxCount
	}
	m := &SessionManager{
		cfg:       cfg,
		persister: persister,
		presence:  presence.NewRegistry(),
		governor:  ratelimit.NewGovernor(window, maxCount),
		filter:    filter,
		previewer: previewer,
		hubs:      make(map[string]*Hub),
	}
	if err := m.ensureGlobalRoom(); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureGlobalRoom creates the always-open global room on first start.
func (m *SessionManager) ensureGlobalRoom() error {
	room := &types.Room{Id: types.GlobalRoomId}
	err := m.persister.GetRoom(room)
	if errors.Is(err, persistence.ErrNotFound) {
		room = &types.Room{Id: types.GlobalRoomId, Theme: types.DefaultTheme(), CreatedAt: time.Now()}
		return m.persister.StoreRoom(room)
	}
	return err
}

// Run starts the background maintenance, currently the hourly invite sweep.
func (m *SessionManager) Run() {
	m.cronRunner = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := m.cronRunner.AddFunc("@hourly", func() {
		n, err := m.persister.PurgeExpiredInvites(time.Now())
		if err != nil {
			globals.AppLogger.Error("could not purge invites", "error", err)
			return
		}
		if n > 0 {
			globals.AppLogger.Info("purged expired invites", "count", n)
		}
	})
	if err != nil {
		panic(err)
	}
	m.cronRunner.Start()
}

func (m *SessionManager) Close() {
	if m.cronRunner != nil {
		m.cronRunner.Stop()
	}
	m.hubsLock.Lock()
	defer m.hubsLock.Unlock()
	for _, h := range m.hubs {
		h.Stop()
	}
}

// ensureHub returns the running hub for roomId, starting one if needed.
func (m *SessionManager) ensureHub(roomId string) (*Hub, error) {
	m.hubsLock.Lock()
	defer m.hubsLock.Unlock()
	if h, ok := m.hubs[roomId]; ok {
		return h, nil
	}
	h, err := NewHub(roomId, m.cfg, m.persister, m.presence, m.governor, m.filter, m.previewer)
	if err != nil {
		return nil, err
	}
	m.hubs[roomId] = h
	go h.Run()
	return h, nil
}

func (m *SessionManager) hubFor(roomId string) *Hub {
	m.hubsLock.Lock()
	defer m.hubsLock.Unlock()
	return m.hubs[roomId]
}

// JoinRoom moves the client into roomId, implicitly leaving its previous
// room. Access checks happen before any state change, a rejected join leaves
// the session where it was.
func (m *SessionManager) JoinRoom(c *Client, roomId, secret, inviteToken string) types.Result {
	room := &types.Room{Id: roomId}
	if err := m.persister.GetRoom(room); err != nil {
		return failFor(err)
	}
	if room.IsBanned(c.nick) {
		return types.FailResult(types.ErrBanned)
	}
	if room.IsProtected() {
		if res := m.checkAccess(room, secret, inviteToken); !res.Ok {
			return res
		}
	}
	m.LeaveRoom(c)
	hub, err := m.ensureHub(roomId)
	if err != nil {
		return failFor(err)
	}
	res := hub.execute(func() types.Result { return hub.join(c) })
	if res.Ok {
		c.setHub(hub)
	}
	return res
}

// checkAccess verifies a secret or redeems an invite token for a protected
// room. A failed check never reveals whether the room requires a secret, an
// invite or both.
func (m *SessionManager) checkAccess(room *types.Room, secret, inviteToken string) types.Result {
	switch {
	case secret != "":
		if bcrypt.CompareHashAndPassword([]byte(room.SecretHash), []byte(secret)) == nil {
			return types.OkResult()
		}
		// legacy rooms stored the secret in the clear, match and upgrade
		if !strings.HasPrefix(room.SecretHash, "$2") && room.SecretHash == secret {
			m.migrateSecret(room.Id, secret)
			return types.OkResult()
		}
		return types.FailResult(types.ErrForbidden)
	case inviteToken != "":
		err := m.persister.RedeemInvite(room.Id, inviteToken, time.Now())
		if err == nil {
			return types.OkResult()
		}
		if errors.Is(err, persistence.ErrInviteInvalid) {
			return types.FailResult(types.ErrForbidden)
		}
		return failFor(err)
	default:
		return types.FailResult(types.ErrForbidden)
	}
}

func (m *SessionManager) migrateSecret(roomId, secret string) {
	cost := m.bcryptCost()
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		globals.AppLogger.Error("could not hash legacy secret", "room", roomId, "error", err)
		return
	}
	_, err = m.persister.UpdateRoom(roomId, func(r *types.Room) error {
		// only upgrade if nobody else migrated in the meantime
		if r.SecretHash == secret {
			r.SecretHash = string(hashed)
		}
		return nil
	})
	if err != nil {
		globals.AppLogger.Error("could not migrate legacy secret", "room", roomId, "error", err)
		return
	}
	globals.AppLogger.Info("migrated legacy room secret", "room", roomId)
}

func (m *SessionManager) bcryptCost() int {
	if m.cfg.BcryptCost > 0 {
		return m.cfg.BcryptCost
	}
	return defaultBcryptCost
}

// CreateRoom creates a secret-protected room owned by the creator and joins
// it.
func (m *SessionManager) CreateRoom(c *Client, roomId, secret string) types.Result {
	if !types.RoomIdPattern.MatchString(roomId) || roomId == types.GlobalRoomId {
		return types.FailResult(types.ErrValidation)
	}
	if secret == "" {
		return types.FailResult(types.ErrValidation)
	}
	existing := &types.Room{Id: roomId}
	err := m.persister.GetRoom(existing)
	if err == nil {
		return types.FailResult(types.ErrConflict)
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return failFor(err)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), m.bcryptCost())
	if err != nil {
		return failFor(err)
	}
	room := &types.Room{
		Id:         roomId,
		Owner:      c.nick,
		SecretHash: string(hashed),
		Theme:      types.DefaultTheme(),
		CreatedAt:  time.Now(),
	}
	if err := m.persister.StoreRoom(room); err != nil {
		return failFor(err)
	}
	globals.AppLogger.Info("room created", "room", roomId, "owner", c.nick)
	return m.JoinRoom(c, roomId, secret, "")
}

// LeaveRoom detaches the client from its current room. Idempotent, leaving
// while unjoined is a no-op.
func (m *SessionManager) LeaveRoom(c *Client) {
	hub := c.currentHub()
	if hub == nil {
		return
	}
	c.setHub(nil)
	hub.execute(func() types.Result {
		hub.leave(c)
		return types.OkResult()
	})
}

// Disconnect tears the session down when the connection goes away.
func (m *SessionManager) Disconnect(c *Client) {
	m.LeaveRoom(c)
}
