package users

import (
	"strings"
	"time"
)

// Account captures one registered user. The password hash is never exposed
// through JSON responses; handlers build their own payloads from Profile.
type Account struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	DisplayName  string    `gorm:"column:display_name;size:320;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "user_accounts"
}

// Profile is the public slice of an account handed to collaborators.
type Profile struct {
	UserID      string
	Username    string
	DisplayName string
}

// Profile projects the account's public fields.
func (a Account) Profile() Profile {
	return Profile{
		UserID:      a.UserID,
		Username:    a.Username,
		DisplayName: a.DisplayName,
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
