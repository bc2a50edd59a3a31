package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Session ID constraints for caller-supplied fixed-pool names. Random
// session-ids generated by GenerateSessionID always use the
// xxxx-xxxx-xxxx-xxxx shape below and trivially satisfy these bounds.
const (
	MinSessionIDLength = 4
	MaxSessionIDLength = 64
)

// validSessionIDPattern allows alphanumeric, hyphens, and underscores.
var validSessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// blockedSessionPatterns contains patterns that are blocked in session IDs for security.
var blockedSessionPatterns = []string{
	"../",
	"..\\",
	"<script",
	"javascript:",
	"__proto__",
	"constructor",
}

// GenerateSessionID creates a cryptographically random session-id for
// single-session mode: a 64-bit random value hex-encoded and formatted as
// four dash-separated groups of four hex digits (xxxx-xxxx-xxxx-xxxx).
func GenerateSessionID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	h := hex.EncodeToString(buf)
	return fmt.Sprintf("%s-%s-%s-%s", h[0:4], h[4:8], h[8:12], h[12:16]), nil
}

// ValidateSessionID checks if a session ID is valid and safe.
// Returns an error message if invalid, empty string if valid.
func ValidateSessionID(id string) string {
	if id == "" {
		return "session ID is required"
	}

	if len(id) < MinSessionIDLength {
		return "session ID too short"
	}

	if len(id) > MaxSessionIDLength {
		return "session ID too long (max 64 characters)"
	}

	if !validSessionIDPattern.MatchString(id) {
		return "session ID contains invalid characters (use alphanumeric, hyphens, underscores only)"
	}

	idLower := strings.ToLower(id)
	for _, pattern := range blockedSessionPatterns {
		if strings.Contains(idLower, pattern) {
			return "session ID contains blocked pattern"
		}
	}

	return ""
}
