package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateSessionID returns a compact unique id for a session resource.
func GenerateSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateCorrelationID returns an id attached to internal errors so log
// lines and HTTP responses can be matched up.
func GenerateCorrelationID() string {
	return uuid.NewString()
}
