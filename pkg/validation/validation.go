package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxPeerIDLength  = 100
	MaxContentLength = 64 * 1024
	MaxStatusLength  = 32
	MaxSDPLength     = 64 * 1024
	MaxHistoryLimit  = 500
)

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

	validMessageTypes = map[string]bool{
		"text":       true,
		"image":      true,
		"file":       true,
		"voice_call": true,
	}
)

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateContent validates a message body
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content is required")
	}
	if len(content) > MaxContentLength {
		return fmt.Errorf("content is too long (max %d bytes)", MaxContentLength)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("content is not valid UTF-8")
	}
	return nil
}

// ValidateMessageType accepts the known message kinds; empty means text.
func ValidateMessageType(messageType string) error {
	if messageType == "" || validMessageTypes[messageType] {
		return nil
	}
	return fmt.Errorf("invalid message type %q", messageType)
}

// ValidateBurnAfter validates a self-destruct timer in seconds
func ValidateBurnAfter(seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("burn_after must be >= 0")
	}
	if seconds > 7*24*3600 {
		return fmt.Errorf("burn_after is too long (max 7 days)")
	}
	return nil
}

// ValidateStatus validates a presence status label
func ValidateStatus(status string) error {
	status = strings.TrimSpace(status)
	if status == "" {
		return fmt.Errorf("status is required")
	}
	if len(status) > MaxStatusLength {
		return fmt.Errorf("status is too long (max %d characters)", MaxStatusLength)
	}
	return nil
}

// ValidateSDP performs basic sanity checks on a session description body
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp is empty")
	}
	if len(sdp) > MaxSDPLength {
		return fmt.Errorf("sdp is too large")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("sdp must start with v=")
	}
	return nil
}

// ValidatePage validates history paging parameters
func ValidatePage(limit, offset int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be > 0")
	}
	if limit > MaxHistoryLimit {
		return fmt.Errorf("limit is too large (max %d)", MaxHistoryLimit)
	}
	if offset < 0 {
		return fmt.Errorf("offset must be >= 0")
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
