package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveAppURL(t *testing.T) {
	cfg := Config{AppURL: "https://app.example.com"}

	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"relative path", "/billing/upgrade", "https://app.example.com/billing/upgrade"},
		{"missing leading slash", "billing/upgrade", "https://app.example.com/billing/upgrade"},
		{"absolute https passes through", "https://other.example.com/x", "https://other.example.com/x"},
		{"absolute http passes through", "http://other.example.com/x", "http://other.example.com/x"},
		{"empty falls back to origin", "", "https://app.example.com"},
		{"whitespace only", "   ", "https://app.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cfg.ResolveAppURL(tt.in))
		})
	}
}
