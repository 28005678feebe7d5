package ws

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/parleychat/parley/types"
)

const (
	maxSlowModeSec   = 21600 // 6h
	inviteDefaultTTL = 24 * time.Hour
	inviteMaxTTL     = 30 * 24 * time.Hour
)

var accentPattern = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-z]{2,30})$`)

type slowModeEvent struct {
	RoomId  string `json:"room"`
	Seconds int    `json:"seconds"`
	By      string `json:"by"`
}

// handleSlash executes a moderation command of the form "/cmd args". Promote
// and demote are owner-only, everything else is open to the owner and the
// moderators. Runs on the hub loop.
func (h *Hub) handleSlash(c *Client, req *slashRequest) types.Result {
	text := strings.TrimSpace(req.Text)
	if !strings.HasPrefix(text, "/") {
		return types.FailResult(types.ErrValidation)
	}
	cmd, arg, _ := strings.Cut(text[1:], " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "mod", "unmod":
		if !h.room.IsOwner(c.nick) {
			return types.FailResult(types.ErrForbidden)
		}
	default:
		if !h.room.IsModerator(c.nick) {
			return types.FailResult(types.ErrForbidden)
		}
	}

	switch cmd {
	case "topic":
		if utf8.RuneCountInString(arg) > types.MaxTopicLen {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Topic = arg
			return nil
		})

	case "rules":
		if utf8.RuneCountInString(arg) > types.MaxRulesLen {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Rules = arg
			return nil
		})

	case "slow":
		seconds, err := strconv.Atoi(arg)
		if err != nil || seconds < 0 || seconds > maxSlowModeSec {
			return types.FailResult(types.ErrValidation)
		}
		res := h.updateRoom(func(r *types.Room) error {
			r.SlowModeSec = seconds
			return nil
		})
		if res.Ok {
			h.broadcastEvent(types.WireMessageTypeSlowMode, slowModeEvent{RoomId: h.roomId, Seconds: seconds, By: c.nick})
		}
		return res

	case "theme":
		mode, accent, _ := strings.Cut(arg, " ")
		if mode != "light" && mode != "dark" {
			return types.FailResult(types.ErrValidation)
		}
		accent = strings.TrimSpace(accent)
		if accent != "" && !accentPattern.MatchString(accent) {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Theme.Mode = mode
			if accent != "" {
				r.Theme.Accent = accent
			}
			return nil
		})

	case "announce":
		if arg == "" || utf8.RuneCountInString(arg) > types.MaxAnnouncementLen {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Announce(arg, time.Now().UTC())
			return nil
		})

	case "pin":
		if arg == "" {
			return types.FailResult(types.ErrValidation)
		}
		if _, err := h.persister.GetMessage(h.roomId, arg); err != nil {
			return failFor(err)
		}
		return h.updateRoom(func(r *types.Room) error {
			if r.PinnedIds.Contains(arg) {
				return nil
			}
			if !r.Pin(arg) {
				return errConflict
			}
			return nil
		})

	case "unpin":
		if arg == "" {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Unpin(arg)
			return nil
		})

	case "ban":
		return h.handleBan(c, arg)

	case "unban":
		if arg == "" {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Banned.Remove(arg)
			return nil
		})

	case "kick":
		if arg == "" || arg == c.nick {
			return types.FailResult(types.ErrValidation)
		}
		if h.room.IsOwner(arg) || (h.room.IsModerator(arg) && !h.room.IsOwner(c.nick)) {
			return types.FailResult(types.ErrForbidden)
		}
		h.kickNick(arg, false)
		return types.OkResult()

	case "mod":
		if arg == "" || h.room.IsOwner(arg) {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Moderators.Add(arg)
			return nil
		})

	case "unmod":
		if arg == "" {
			return types.FailResult(types.ErrValidation)
		}
		return h.updateRoom(func(r *types.Room) error {
			r.Moderators.Remove(arg)
			return nil
		})

	case "invite":
		return h.handleInvite(arg)

	default:
		return types.FailResult(types.ErrValidation)
	}
}

// handleBan records the durable ban and force-drops the live connections of
// the banned name. A moderator cannot ban the owner or a fellow moderator,
// the owner can ban anyone but themselves.
func (h *Hub) handleBan(c *Client, nick string) types.Result {
	if nick == "" || nick == c.nick {
		return types.FailResult(types.ErrValidation)
	}
	if h.room.IsOwner(nick) || (h.room.IsModerator(nick) && !h.room.IsOwner(c.nick)) {
		return types.FailResult(types.ErrForbidden)
	}
	res := h.updateRoom(func(r *types.Room) error {
		r.Banned.Add(nick)
		return nil
	})
	if !res.Ok {
		return res
	}
	h.kickNick(nick, true)
	return res
}

// handleInvite mints a single-use invite token. The optional argument is the
// validity in hours.
func (h *Hub) handleInvite(arg string) types.Result {
	ttl := inviteDefaultTTL
	if arg != "" {
		hours, err := strconv.Atoi(arg)
		if err != nil || hours <= 0 || time.Duration(hours)*time.Hour > inviteMaxTTL {
			return types.FailResult(types.ErrValidation)
		}
		ttl = time.Duration(hours) * time.Hour
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	token := &types.InviteToken{
		Token:     uuid.NewString(),
		RoomId:    h.roomId,
		SingleUse: true,
		ExpiresAt: &expires,
		CreatedAt: now,
	}
	if err := h.persister.CreateInvite(token); err != nil {
		return failFor(err)
	}
	res := types.OkResult()
	res.Id = token.Token
	return res
}
