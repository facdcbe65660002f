package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthorized indicates a missing, expired, or otherwise invalid
	// bearer token on a protected route.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConnectionClosed is returned by operations on a connection that has
	// already been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNoAuthorizationHandler means an auth route has no validator.
	ErrNoAuthorizationHandler = errors.New("no authorization handler for route")

	// ErrRouteNotFound means no hub is mounted on the requested path.
	ErrRouteNotFound = errors.New("route not found")
)

// HubError wraps an underlying error with hub route and connection context.
type HubError struct {
	Route  string
	ConnID string
	Op     string
	Err    error
}

func (e *HubError) Error() string {
	switch {
	case e.Route != "" && e.ConnID != "":
		return fmt.Sprintf("hub %s (%s): %s: %v", e.Route, e.ConnID, e.Op, e.Err)
	case e.Route != "":
		return fmt.Sprintf("hub %s: %s: %v", e.Route, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HubError) Unwrap() error {
	return e.Err
}
