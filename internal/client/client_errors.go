package client

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrNoToken is returned when a protected route is dialed without a token.
	ErrNoToken = errors.New("no access token; authorize first")
	// ErrNotConnected is returned by calls made while no connection is up.
	ErrNotConnected = errors.New("client is not connected")
	// ErrAlreadyStarted is returned by a second Start without Stop.
	ErrAlreadyStarted = errors.New("client already started")
	// ErrServerClosed is reported when the server sends a close notice.
	ErrServerClosed = errors.New("server closed connection")
)

// shortenError extracts the innermost meaningful message from nested network
// errors (e.g. *url.Error → *net.OpError → syscall) so that log lines stay
// concise (e.g. "connection refused" instead of the full dial trace).
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

func isTLSProvisioningInProgressError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return false
	}
	return strings.Contains(msg, "failed to verify certificate") ||
		strings.Contains(msg, "certificate is not standards compliant") ||
		strings.Contains(msg, "x509:")
}
