package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	MaxSessionIDLength   = 128
	MaxSignalPayloadSize = 64 * 1024
)

var (
	// SessionIDRegex accepts the identifiers the surrounding application
	// hands out (uuids, slugs, prefixed ids).
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

func ValidateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(sessionID) > MaxSessionIDLength {
		return fmt.Errorf("session_id is too long (max %d characters)", MaxSessionIDLength)
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("invalid session_id format")
	}
	return nil
}

func ValidateSenderType(role string) error {
	switch role {
	case "broadcaster", "viewer":
		return nil
	case "":
		return fmt.Errorf("sender_type is required")
	}
	return fmt.Errorf("invalid sender_type %q (must be broadcaster or viewer)", role)
}

func ValidateSignalType(kind string) error {
	switch kind {
	case "offer", "answer", "ice-candidate":
		return nil
	case "":
		return fmt.Errorf("signal_type is required")
	}
	return fmt.Errorf("invalid signal_type %q (must be offer, answer or ice-candidate)", kind)
}

func ValidatePayloadSize(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("signal_data is required")
	}
	if len(payload) > MaxSignalPayloadSize {
		return fmt.Errorf("signal_data is too large (max %d bytes)", MaxSignalPayloadSize)
	}
	return nil
}

// ValidateURL checks a relay or collector endpoint.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL checks a stun:, stuns:, turn: or turns: URL.
func ValidateICEServerURL(raw string) error {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", raw)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	}
	return fmt.Errorf("invalid ICE server scheme %q", scheme)
}
