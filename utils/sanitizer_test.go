package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	assert.Equal(t, "Dear team,", CleanText("  Dear team,  "))
	assert.Equal(t, "Dear team,", CleanText("<script>alert(1)</script>Dear team,"))
	assert.Equal(t, "a & b", CleanText("a & b"))
	assert.Equal(t, "", CleanText("<img src=x onerror=alert(1)>"))
}

func TestCleanText_KeepsPlaceholders(t *testing.T) {
	// The personalization placeholder must survive sanitizing
	assert.Equal(t, "Dear {company_name} team,", CleanText("Dear {company_name} team,"))
}
