package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// StreamIDRegex bounds the characters accepted in stream ids; they travel
// through URLs, registry keys and event payloads.
var StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxStreamIDLength = 128

// ValidateStreamID validates a stream identifier.
func ValidateStreamID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("stream id is required")
	}
	if len(id) > maxStreamIDLength {
		return fmt.Errorf("stream id is too long (max %d characters)", maxStreamIDLength)
	}
	if !StreamIDRegex.MatchString(id) {
		return fmt.Errorf("stream id may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// ValidateTargetURL validates a cascade target URL: absolute http(s) with a
// host.
func ValidateTargetURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("target url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("target url must include a host")
	}
	return nil
}
