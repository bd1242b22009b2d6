package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable is returned when the app can't be reached at all
	ErrRemoteUnavailable = errors.New("remote key service unavailable")

	// ErrRemoteRejected is returned for non-2xx responses and unreadable bodies
	ErrRemoteRejected = errors.New("remote key service rejected request")
)

// RemoteError describes a failed call to an app's key API.
type RemoteError struct {
	Op         string // "create" or "update"
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
