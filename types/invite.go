package types

import "time"

// InviteToken grants access to a protected room without its secret. Tokens
// may be single-use and/or expiring. Consumption is mark-then-join: the
// token is marked used before the join completes.
type InviteToken struct {
	Token     string     `json:"token" gorm:"primaryKey"`
	RoomId    string     `json:"room_id" gorm:"index"`
	SingleUse bool       `json:"single_use"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Usable reports whether the token can still be redeemed at now.
func (t *InviteToken) Usable(now time.Time) bool {
	if t.SingleUse && t.UsedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return false
	}
	return true
}
