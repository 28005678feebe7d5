package types

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
)

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypePoll  = "poll"

	MaxMessageLen    = 4000
	MaxPollQuestion  = 300
	MaxPollOptionLen = 200
	MinPollOptions   = 2
	MaxPollOptions   = 10
)

// ParentRef is the denormalized snapshot of a replied-to message, taken at
// send time. It is not live-updated, except best-effort when the parent is
// edited or deleted.
type ParentRef struct {
	Id        string    `json:"id"`
	Nick      string    `json:"nick"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// LinkPreview is the best-effort enrichment attached to text messages that
// contain a URL. All fields may be empty.
type LinkPreview struct {
	Url         string `json:"url"`
	Title       string `json:"title"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
}

// EditEntry records one previous text value of an edited message.
type EditEntry struct {
	Text     string    `json:"text"`
	EditedAt time.Time `json:"edited_at"`
}

type PollOption struct {
	Text  string   `json:"text"`
	Votes []string `json:"votes"` // voter nicks
}

type Poll struct {
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
	IsClosed bool         `json:"is_closed"`
}

// Vote registers nick's vote for the option at index, retracting any previous
// vote on the same poll first. A nick holds at most one vote across all
// options.
func (p *Poll) Vote(index int, nick string) error {
	if p.IsClosed {
		return fmt.Errorf("poll is closed")
	}
	if index < 0 || index >= len(p.Options) {
		return fmt.Errorf("option index %d out of range", index)
	}
	for i := range p.Options {
		votes := p.Options[i].Votes[:0]
		for _, v := range p.Options[i].Votes {
			if v != nick {
				votes = append(votes, v)
			}
		}
		p.Options[i].Votes = votes
	}
	p.Options[index].Votes = append(p.Options[index].Votes, nick)
	return nil
}

// Message is one immutable record of the per-room ordered log. The sort key
// is the pair (CreatedAt, Id), ties on CreatedAt are broken by id ordering.
// Only author edits/deletes mutate it, plus reaction/seen-set updates which
// use add/remove-element semantics.
type Message struct {
	Id     string `json:"id" gorm:"primaryKey"`
	RoomId string `json:"room_id" gorm:"index:idx_messages_room_created,priority:1"`
	Nick   string `json:"nick"`
	Type   string `json:"type"`

	Text     string `json:"text,omitempty"`
	ImageUrl string `json:"image_url,omitempty"`
	FileUrl  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`

	Flagged bool `json:"flagged,omitempty"`

	Parent      *ParentRef   `json:"parent,omitempty" gorm:"serializer:json"`
	LinkPreview *LinkPreview `json:"link_preview,omitempty" gorm:"serializer:json"`
	Poll        *Poll        `json:"poll,omitempty" gorm:"serializer:json"`

	EditedAt    *time.Time  `json:"edited_at,omitempty"`
	EditHistory []EditEntry `json:"edit_history,omitempty" gorm:"serializer:json"`

	// Reactions maps an emoji to the set of reacting nicks.
	Reactions map[string][]string `json:"reactions,omitempty" gorm:"serializer:json"`

	// SeenBy is the set of nicks that have seen up to and including this
	// message.
	SeenBy JSONStringSlice `json:"seen_by,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_messages_room_created,priority:2"`
}

// CreateId assigns the message id from a hash over its identifying fields
// plus a random nonce. CreatedAt must be set before calling.
func (m *Message) CreateId() error {
	h, err := hashstructure.Hash(struct {
		RoomId  string
		Nick    string
		Created int64
		Nonce   string
	}{m.RoomId, m.Nick, m.CreatedAt.UnixNano(), uuid.NewString()}, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = fmt.Sprintf("%016x", h)
	return nil
}

// SortsBefore reports whether the message's sort key is strictly less than
// (t, id) under lexicographic pair ordering.
func (m *Message) SortsBefore(t time.Time, id string) bool {
	if m.CreatedAt.Before(t) {
		return true
	}
	if m.CreatedAt.Equal(t) {
		return m.Id < id
	}
	return false
}

// SortsAtOrBefore reports whether the message's sort key is less than or
// equal to (t, id).
func (m *Message) SortsAtOrBefore(t time.Time, id string) bool {
	return m.Id == id && m.CreatedAt.Equal(t) || m.SortsBefore(t, id)
}

// ToggleReaction adds nick to the emoji's reactor set, or removes it if
// already present. Returns true if the reaction is now set.
func (m *Message) ToggleReaction(emoji, nick string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	set := m.Reactions[emoji]
	for i, v := range set {
		if v == nick {
			set = append(set[:i], set[i+1:]...)
			if len(set) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = set
			}
			return false
		}
	}
	m.Reactions[emoji] = append(set, nick)
	return true
}

// Snapshot returns the denormalized parent reference embedded into replies.
func (m *Message) Snapshot() *ParentRef {
	text := m.Text
	if m.Type == MessageTypeImage {
		text = m.ImageUrl
	}
	const snippetLen = 200
	if utf8.RuneCountInString(text) > snippetLen {
		text = string([]rune(text)[:snippetLen])
	}
	return &ParentRef{
		Id:        m.Id,
		Nick:      m.Nick,
		Text:      text,
		CreatedAt: m.CreatedAt,
	}
}
