package models

import (
	"fmt"
	"time"
)

// Channel identifies the transport used to reach a user's contact address.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
)

// User represents a registered reminder recipient
type User struct {
	ID              int64     `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	ContactAddress  string    `json:"contact_address" db:"contact_address"` // unique across all users
	Channel         Channel   `json:"channel" db:"channel"`
	PreferredHour   int       `json:"preferred_hour" db:"preferred_hour"`     // 0-23
	PreferredMinute int       `json:"preferred_minute" db:"preferred_minute"` // 0-59
	Active          bool      `json:"active" db:"active"`
	IsAdmin         bool      `json:"is_admin" db:"is_admin"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// PreferredTime formats the user's reminder time as HH:MM.
func (u User) PreferredTime() string {
	return fmt.Sprintf("%02d:%02d", u.PreferredHour, u.PreferredMinute)
}

// ParseClock parses an "HH:MM" time-of-day string.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
