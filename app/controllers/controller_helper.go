package controllers

import (
	"strings"
	"time"
)

// maskEmail redacts an email address for log output, keeping the first
// character of the local part and the domain.
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) == 1 {
		return "*@" + domain
	}
	return local[:1] + "***@" + domain
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
