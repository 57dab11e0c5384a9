package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

var reservedRoomIDs = map[string]struct{}{
	"admin":   {},
	"api":     {},
	"health":  {},
	"metrics": {},
	"rooms":   {},
	"ws":      {},
}

// ValidateRoomID validates the room identifier format. Room IDs double as
// lecture IDs, so anything that would collide with a route segment is
// reserved.
func ValidateRoomID(roomID string) error {
	if !roomIDRegex.MatchString(roomID) {
		return fmt.Errorf("room id must be 3-64 characters and contain only letters, numbers, hyphens, and underscores")
	}

	if strings.HasPrefix(roomID, "-") || strings.HasSuffix(roomID, "-") {
		return fmt.Errorf("room id cannot start or end with a hyphen")
	}

	if _, exists := reservedRoomIDs[strings.ToLower(roomID)]; exists {
		return fmt.Errorf("room id is reserved")
	}

	return nil
}
