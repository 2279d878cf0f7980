package util

import "strings"

// BearerToken strips a leading "Bearer " from an Authorization header value.
// Any other value is returned trimmed, so a bare token also works.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
