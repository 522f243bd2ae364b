package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCampaignBase(t *testing.T) {
	tests := []struct {
		name string
		user User
		want string
	}{
		{"full name", User{FirstName: "Jane", LastName: "Doe"}, "jane_doe"},
		{"name is lowercased", User{FirstName: "JANE", LastName: "Doe"}, "jane_doe"},
		{"name with whitespace", User{FirstName: " Jane ", LastName: "Doe"}, "jane_doe"},
		{"email fallback", User{Email: "jane.doe@example.com"}, "jane_doe"},
		{"email without dots", User{Email: "janedoe@example.com"}, "janedoe"},
		{"first name only falls to email", User{FirstName: "Jane", Email: "jd@example.com"}, "jd"},
		{"nothing known", User{}, "user_campaign"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.CampaignBase())
		})
	}
}
