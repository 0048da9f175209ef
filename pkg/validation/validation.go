package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pion/sdp/v3"
)

const (
	MaxIDLength          = 100
	MaxMessageBodyLength = 4000
	MaxSDPLength         = 32 * 1024
	MaxCandidateLength   = 1024
)

var (
	// IDRegex validates user, call, workspace and channel IDs.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	if len(password) > 128 {
		return fmt.Errorf("password is too long (max 128 characters)")
	}
	return nil
}

// ValidateID checks an opaque identifier. field names the value in errors.
func ValidateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidateSDP parses raw as a session description and checks that it
// carries at least one media section. sdpType must match the message type.
func ValidateSDP(sdpType, expectedType, raw string) error {
	if sdpType != expectedType {
		return fmt.Errorf("sdp type %q does not match %q", sdpType, expectedType)
	}
	if raw == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(raw) > MaxSDPLength {
		return fmt.Errorf("sdp is too large (max %d bytes)", MaxSDPLength)
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("invalid sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("sdp has no media sections")
	}
	return nil
}

// ValidateICECandidate checks a trickled candidate line. The empty string
// (end-of-candidates) is rejected because it is never relayed.
func ValidateICECandidate(candidate string) error {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return fmt.Errorf("candidate is required")
	}
	if len(candidate) > MaxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d characters)", MaxCandidateLength)
	}
	if !strings.HasPrefix(candidate, "candidate:") {
		return fmt.Errorf("invalid candidate format")
	}
	return nil
}

func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message body is required")
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message body contains invalid characters")
	}
	if utf8.RuneCountInString(body) > MaxMessageBodyLength {
		return fmt.Errorf("message body is too long (max %d characters)", MaxMessageBodyLength)
	}
	return nil
}

// ValidateURL validates URL format
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
