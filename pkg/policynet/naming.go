package policynet

import (
	"fmt"
	"strings"
	"time"
)

// maxPolicyNameLength is the head-end's limit on policy names.
const maxPolicyNameLength = 64

// PolicyName builds the head-end policy name for an override:
//
//	DLCOverride(<ON|OFF>)-<meter>-...-<epoch-seconds>
//
// The epoch suffix keeps names unique across resubmissions for the same
// meter. Names longer than the head-end's 64-character limit are
// truncated from the meter segment, never from the suffix.
func PolicyName(status string, meterSerials []string, at time.Time) string {
	prefix := fmt.Sprintf("DLCOverride(%s)", strings.ToUpper(status))
	suffix := fmt.Sprintf("-%d", at.Unix())

	meters := "-" + strings.Join(meterSerials, "-")
	name := prefix + meters + suffix
	if len(name) <= maxPolicyNameLength {
		return name
	}

	room := maxPolicyNameLength - len(prefix) - len(suffix)
	if room < 0 {
		room = 0
	}
	return prefix + meters[:room] + suffix
}
