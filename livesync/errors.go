package livesync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// the owning view was unmounted before the work resolved
	ErrUnmounted = errors.New("view unmounted")
	// a command for the same entity is still in flight
	ErrMutationInFlight = errors.New("mutation in flight")
	ErrNotAuthenticated = errors.New("no viewer credential")
)

// A snapshot or command request failed at the transport level
// or with a non-success status. Display only; collections are left untouched.
type NetworkError struct {
	Method string
	Url    string
	// 0 when the request never got a response
	StatusCode int
	Message    string
	Err        error
}

func (self *NetworkError) Error() string {
	if self.StatusCode != 0 {
		if self.Message != "" {
			return fmt.Sprintf("%s %s: %d %s", self.Method, self.Url, self.StatusCode, self.Message)
		}
		return fmt.Sprintf("%s %s: %d %s", self.Method, self.Url, self.StatusCode, http.StatusText(self.StatusCode))
	}
	return fmt.Sprintf("%s %s: %s", self.Method, self.Url, self.Err)
}

func (self *NetworkError) Unwrap() error {
	return self.Err
}

func (self *NetworkError) IsUnauthorized() bool {
	return self.StatusCode == http.StatusUnauthorized
}

// The push connection was refused or dropped.
// Never surfaced to the viewer; kept for diagnostics only.
type ChannelError struct {
	Op  string
	Err error
}

func (self *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s", self.Op, self.Err)
}

func (self *ChannelError) Unwrap() error {
	return self.Err
}

// A user initiated command failed. The triggering control re-enables.
type MutationError struct {
	Command *Command
	Err     error
}

func (self *MutationError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", self.Command.Name, self.Command.EntityId, self.Err)
}

func (self *MutationError) Unwrap() error {
	return self.Err
}

// display message for a transient, dismissible error
func DisplayMessage(err error) string {
	var networkErr *NetworkError
	var mutationErr *MutationError
	switch {
	case errors.As(err, &mutationErr):
		return fmt.Sprintf("Failed to %s", mutationErr.Command.Name)
	case errors.As(err, &networkErr):
		if networkErr.IsUnauthorized() {
			return "Please log in again"
		}
		return "Failed to load"
	default:
		return "Something went wrong"
	}
}
