package types

import "time"

type User struct {
	Id         string        `json:"id" gorm:"primaryKey"` // e-mail from the identity provider, unique
	Nick       string        `json:"nick"`                 // display name, reported in presence lists
	Language   string        `json:"language"`             // alpha-2 iso
	Tags       JSONStringMap `json:"tags"`
	LastOnline time.Time     `json:"last_online"`
}
