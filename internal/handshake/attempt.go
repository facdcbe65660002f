package handshake

import (
	"errors"
	"fmt"
	"sync"

	"github.com/koltyakov/duplex/internal/domain"
)

// State is the position of an Attempt in the handshake.
type State int

const (
	Idle State = iota
	AwaitingServerValidation
	Accepted
	Rejected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingServerValidation:
		return "awaiting_server_validation"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Accepted || s == Rejected
}

// ErrInvalidTransition is returned for out-of-order transitions.
var ErrInvalidTransition = errors.New("invalid handshake transition")

// Attempt tracks one client authorization attempt:
// Idle -> AwaitingServerValidation -> Accepted | Rejected.
type Attempt struct {
	mu     sync.Mutex
	state  State
	result domain.AuthorizeResult
}

// NewAttempt returns an attempt in the Idle state.
func NewAttempt() *Attempt {
	return &Attempt{}
}

// Begin marks the Authorize invocation as sent.
func (a *Attempt) Begin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Idle {
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, a.state)
	}
	a.state = AwaitingServerValidation
	return nil
}

// Resolve applies the server's reply and returns the terminal state.
// A malformed reply is treated as a rejection.
func (a *Attempt) Resolve(r domain.AuthorizeResult) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AwaitingServerValidation {
		return a.state, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, a.state)
	}
	if err := r.Validate(); err != nil {
		r = domain.RejectedResult("malformed authorize result: " + err.Error())
	}
	a.result = r
	if r.Accepted {
		a.state = Accepted
	} else {
		a.state = Rejected
	}
	return a.state, nil
}

// Fail abandons an attempt that got no reply, e.g. after a timeout.
func (a *Attempt) Fail(reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, a.state)
	}
	a.result = domain.RejectedResult(reason)
	a.state = Rejected
	return nil
}

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Token returns the issued token once accepted. Rejected attempts never
// expose a token.
func (a *Attempt) Token() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Accepted {
		return "", false
	}
	return a.result.Token, true
}

// Result returns the relayed result once terminal.
func (a *Attempt) Result() (domain.AuthorizeResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.state.Terminal()
}
