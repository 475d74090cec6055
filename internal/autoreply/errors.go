package autoreply

import "strings"

// The error taxonomy in §5 is a tagged sum type surfaced as plain errors
// whose text carries a recognizable prefix or substring — the contract
// surface external tests assert against (e.g. "timed", "cancel"). These
// helpers classify an error without callers needing to know which
// component produced it.

// IsTimeout reports whether err represents a deadline exceeded anywhere in
// the auto-reply/run/skill pipeline.
func IsTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "timed")
}

// IsCancellation reports whether err is a local-runtime generation
// cancellation.
func IsCancellation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "cancel")
}

// IsPathOutsideWorkspace reports whether err is a workspace-jail violation.
func IsPathOutsideWorkspace(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "pathOutsideWorkspace:")
}

// IsUnavailable reports whether err is a transient/missing-dependency
// failure (transport down, missing binary, provider unreachable).
func IsUnavailable(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "unavailable:")
}

// IsAuthentication reports whether err is an adapter start rejected by its
// transport (bad token, revoked credentials).
func IsAuthentication(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "authentication:")
}

// IsInvalidConfiguration reports whether err is a caller-facing
// configuration defect (missing required field, malformed route key, empty
// session key) that must never produce an outbound.
func IsInvalidConfiguration(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "invalidConfiguration:")
}
