package indexer

import "strings"

// Stored error messages carry a channel prefix ("google: ..." or
// "indexnow: ...") so the retry engine knows which channel to re-attempt.
const (
	channelGoogle   = "google"
	channelIndexNow = "indexnow"
)

// permanentMarkers identify failures that no amount of retrying will fix:
// authorisation problems and content that no longer exists.
var permanentMarkers = []string{
	"401",
	"403",
	"404",
	"410",
	"permission",
	"unauthorized",
	"forbidden",
	"not found",
	"gone",
	"missing credentials",
	"invalid_grant",
}

// IsPermanentFailure reports whether a stored error message describes a
// non-retryable failure. Unrecognised messages are treated as retryable;
// the retry cap bounds the cost of a wrong guess.
func IsPermanentFailure(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// failedOnChannel reports whether a stored error message records a failure
// on the given channel.
func failedOnChannel(message, channel string) bool {
	return strings.Contains(message, channel+":")
}
