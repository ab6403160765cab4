package validator

import (
	"strings"
)

const maxRoleFilterLen = 64

// SanitizeString trims whitespace and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

// SanitizeRoleFilter normalizes the optional role filter of the network list
// endpoint. An empty result means "no filter".
func SanitizeRoleFilter(s string) string {
	return strings.ToLower(SanitizeString(s, maxRoleFilterLen))
}
