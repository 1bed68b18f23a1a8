package rabbitmq

import (
	"fmt"
	"strings"
	"time"
)

// ReservedPrefix is the name prefix the broker keeps for itself.
const ReservedPrefix = "amq."

// IsAllowedName reports whether name may be used for an exchange or queue.
// Names starting with ReservedPrefix, in any letter case, are rejected.
func IsAllowedName(name string) bool {
	return !(len(name) >= len(ReservedPrefix) && strings.EqualFold(name[:len(ReservedPrefix)], ReservedPrefix))
}

// ValidateName rejects empty and reserved names. component is "exchange" or "queue".
func ValidateName(component, name string) error {
	switch {
	case name == "":
		return &TopologyError{
			Component: component,
			Name:      name,
			Op:        "validate",
			Err:       fmt.Errorf("%w: %s name is empty", ErrInvalidName, component),
			Timestamp: time.Now(),
		}
	case !IsAllowedName(name):
		return &TopologyError{
			Component: component,
			Name:      name,
			Op:        "validate",
			Err:       fmt.Errorf("%w: %s name must not start with %q", ErrInvalidName, component, ReservedPrefix),
			Timestamp: time.Now(),
		}
	}
	return nil
}
