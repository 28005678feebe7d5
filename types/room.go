package types

import (
	"regexp"
	"time"
)

const (
	GlobalRoomId = "global"

	MaxTopicLen        = 500
	MaxRulesLen        = 1000
	MaxAnnouncements   = 20
	MaxPinnedMessages  = 50
	MaxAnnouncementLen = 500
)

// RoomIdPattern restricts room ids to lowercase slugs.
var RoomIdPattern = regexp.MustCompile(`^[a-z0-9-_.]{2,50}$`)

// Announcement is one entry of a room's bounded announcement list.
type Announcement struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Theme is the display theme pushed to clients with the room metadata. The
// server only stores and relays it.
type Theme struct {
	Mode   string `json:"mode"`   // "light" or "dark"
	Accent string `json:"accent"` // CSS color
}

func DefaultTheme() Theme {
	return Theme{Mode: "light", Accent: "#7b1fa2"}
}

// Room is the durable per-room record. The access secret is only ever stored
// as a bcrypt hash, rooms without a hash are open. Rooms are never
// hard-deleted during normal operation.
type Room struct {
	Id         string `json:"id" gorm:"primaryKey"`
	Owner      string `json:"owner"` // nick of the creating identity
	SecretHash string `json:"-"`

	Moderators JSONStringSlice `json:"mods"`
	Banned     JSONStringSlice `json:"-"`

	Topic       string `json:"topic"`
	Rules       string `json:"rules"`
	SlowModeSec int    `json:"slow_mode_sec"`

	PinnedIds     JSONStringSlice `json:"pinned_ids"`
	Announcements []Announcement  `json:"announcements" gorm:"serializer:json"`
	Theme         Theme           `json:"theme" gorm:"serializer:json"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (r *Room) IsOwner(nick string) bool {
	return r.Owner != "" && r.Owner == nick
}

// IsModerator reports whether nick may use the moderation commands. The owner
// always qualifies.
func (r *Room) IsModerator(nick string) bool {
	return r.IsOwner(nick) || r.Moderators.Contains(nick)
}

func (r *Room) IsBanned(nick string) bool {
	return r.Banned.Contains(nick)
}

// IsProtected reports whether joining requires a secret or an invite token.
func (r *Room) IsProtected() bool {
	return r.SecretHash != ""
}

// Announce prepends an announcement and trims the list to its bound.
func (r *Room) Announce(text string, now time.Time) {
	r.Announcements = append([]Announcement{{Text: text, CreatedAt: now}}, r.Announcements...)
	if len(r.Announcements) > MaxAnnouncements {
		r.Announcements = r.Announcements[:MaxAnnouncements]
	}
}

// Pin records a message id in the pinned list. The id must exist at pin time,
// dangling ids after deletion are filtered on read.
func (r *Room) Pin(id string) bool {
	if len(r.PinnedIds) >= MaxPinnedMessages {
		return false
	}
	return r.PinnedIds.Add(id)
}

func (r *Room) Unpin(id string) bool {
	return r.PinnedIds.Remove(id)
}
