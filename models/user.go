package models

import (
	"strings"
	"time"
)

// User represents an account created through Google sign-in. There is no
// local password; sends are authorized by the stored OAuth token pair.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastLoginAt time.Time `json:"last_login_at,omitempty"`
}

// CampaignBase returns the folder base name this user's campaigns are stored
// under: "first_last" when both names are known, otherwise the email local
// part with dots replaced, otherwise a fixed fallback.
func (u *User) CampaignBase() string {
	first := strings.ToLower(strings.TrimSpace(u.FirstName))
	last := strings.ToLower(strings.TrimSpace(u.LastName))

	if first != "" && last != "" {
		return first + "_" + last
	}

	if u.Email != "" {
		local := u.Email
		if at := strings.Index(local, "@"); at >= 0 {
			local = local[:at]
		}
		if local != "" {
			return strings.ReplaceAll(local, ".", "_")
		}
	}

	return "user_campaign"
}
