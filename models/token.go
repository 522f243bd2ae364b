package models

import "time"

// OAuthToken is the stored access/refresh token pair that authorizes Gmail
// sends on a user's behalf. One per user.
type OAuthToken struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
