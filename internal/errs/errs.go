// Package errs defines the relay's error taxonomy. Handlers map these to
// client-visible signals; everything else stays in server logs.
package errs

import "errors"

var (
	// ErrUnauthenticated covers missing, malformed, and expired credentials.
	// The client only ever sees this value; verification detail is logged.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound means the referenced room or user does not exist. Races
	// between disconnect and in-flight operations make this normal, so
	// callers treat it as a soft failure.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the sender is not a member of the target room.
	ErrForbidden = errors.New("forbidden")

	// ErrInternal is an unexpected fault during relay. It is reported to
	// the originating connection only, keyed by the client's tempId.
	ErrInternal = errors.New("internal failure")
)
