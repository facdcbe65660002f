// Package correlate turns the unordered stream of inbound invocations into
// request/response waits: register a one-shot binding for a reply name,
// optionally send the request, and resolve with the first matching reply.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/koltyakov/duplex/internal/dispatch"
)

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

var (
	// ErrNoArguments is returned when the reply carries no arguments.
	ErrNoArguments = errors.New("reply carried no arguments")
	// ErrArityMismatch is returned when the reply argument count differs from the declared shape.
	ErrArityMismatch = errors.New("reply arity mismatch")
	// ErrTimeout is returned when no reply arrives in time. It also matches
	// context.DeadlineExceeded.
	ErrTimeout = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "await timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Is(t error) bool { return t == context.DeadlineExceeded }

// Options tune a single wait.
type Options struct {
	// Timeout bounds the wait; zero means DefaultTimeout, negative disables it.
	Timeout time.Duration
	// OnTimeout is called when the wait expires.
	OnTimeout func(name string)
}

// SendFunc issues the request whose reply is awaited.
type SendFunc func(ctx context.Context) error

type outcome struct {
	tuple Tuple
	err   error
}

// AwaitOnce waits for the next inbound invocation of name carrying
// len(params) arguments.
func AwaitOnce(ctx context.Context, table *dispatch.Table, name string, params []dispatch.ParamType, opts Options) (Tuple, error) {
	return await(ctx, table, name, params, nil, opts)
}

// SendThenAwaitOnce registers the reply listener, then runs send, then waits.
// The listener is always in place before send executes.
func SendThenAwaitOnce(ctx context.Context, table *dispatch.Table, name string, params []dispatch.ParamType, send SendFunc, opts Options) (Tuple, error) {
	if send == nil {
		return Tuple{}, errors.New("send func is nil")
	}
	return await(ctx, table, name, params, send, opts)
}

func await(ctx context.Context, table *dispatch.Table, name string, params []dispatch.ParamType, send SendFunc, opts Options) (Tuple, error) {
	if len(params) == 0 {
		return Tuple{}, fmt.Errorf("await %s: %w", name, ErrNoArguments)
	}
	if len(params) > dispatch.MaxArity {
		return Tuple{}, fmt.Errorf("await %s: %w", name, dispatch.ErrArityExceeded)
	}

	result := make(chan outcome, 1)
	var once sync.Once
	resolve := func(o outcome) {
		once.Do(func() { result <- o })
	}

	oneShot, err := dispatch.NewRawBinding(name, func(_ context.Context, inv *dispatch.Invocation) error {
		resolve(pack(name, params, inv.Raw))
		return nil
	})
	if err != nil {
		return Tuple{}, err
	}

	// Last registration wins the slot; cleanup only removes our own binding.
	table.Set(oneShot)
	defer table.RemoveIf(name, oneShot)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	if send != nil {
		if err := send(ctx); err != nil {
			return Tuple{}, fmt.Errorf("await %s: send: %w", name, err)
		}
	}

	select {
	case o := <-result:
		return o.tuple, o.err
	case <-ctx.Done():
		return Tuple{}, ctx.Err()
	case <-timer:
		if opts.OnTimeout != nil {
			opts.OnTimeout(name)
		}
		return Tuple{}, fmt.Errorf("await %s after %s: %w", name, timeout, ErrTimeout)
	}
}

func pack(name string, params []dispatch.ParamType, raw []dispatch.RawMessage) outcome {
	if len(raw) == 0 {
		return outcome{err: fmt.Errorf("await %s: %w", name, ErrNoArguments)}
	}
	if len(raw) != len(params) {
		return outcome{err: fmt.Errorf("await %s: %w: want %d, got %d", name, ErrArityMismatch, len(params), len(raw))}
	}
	values := make([]any, len(params))
	for i, p := range params {
		v, err := p.Decode(raw[i])
		if err != nil {
			return outcome{err: fmt.Errorf("await %s: argument %d (%s): %w", name, i, p.Name(), err)}
		}
		values[i] = v
	}
	return outcome{tuple: Tuple{values: values}}
}
