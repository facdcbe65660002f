package demo

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/koltyakov/duplex/internal/client"
	"github.com/koltyakov/duplex/internal/correlate"
	"github.com/koltyakov/duplex/internal/dispatch"
)

// ServerMethods are the typed calls a client makes on the demo hub.
type ServerMethods struct {
	c *client.Client
}

func NewServerMethods(c *client.Client) ServerMethods {
	return ServerMethods{c: c}
}

// Login asks the hub to check user and pass. The answer arrives as a
// LoginResult invocation.
func (s ServerMethods) Login(ctx context.Context, user, pass string) error {
	return s.c.Send(ctx, MethodLogin, user, pass)
}

// Replay asks the hub to send msg back through the Replay listener.
func (s ServerMethods) Replay(ctx context.Context, msg string) error {
	return s.c.Send(ctx, MethodReplay, msg)
}

// Counter streams 1..n from the hub. The first channel closes when the
// stream ends and the second then yields its error, if any.
func (s ServerMethods) Counter(ctx context.Context, n int) (<-chan int, <-chan error) {
	streamCtx, cancel := context.WithCancel(ctx)
	raw, rawErrs := s.c.Stream(streamCtx, MethodCounter, n)
	out := make(chan int)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		defer cancel()
		for item := range raw {
			var v int
			if err := jsoniter.Unmarshal(item, &v); err != nil {
				cancel()
				for range raw {
				}
				<-rawErrs
				errs <- fmt.Errorf("counter element: %w", err)
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				for range raw {
				}
				errs <- <-rawErrs
				return
			}
		}
		if err := <-rawErrs; err != nil {
			errs <- err
		}
	}()
	return out, errs
}

// LoginAndWait sends Login and waits for the LoginResult reply. It replaces
// any LoginResult listener for the duration of the wait.
func (s ServerMethods) LoginAndWait(ctx context.Context, user, pass string) (bool, error) {
	reply, err := s.c.SendThenAwaitOnce(ctx, MethodLoginResult, []dispatch.ParamType{dispatch.Param[bool]()}, MethodLogin, user, pass)
	if err != nil {
		return false, err
	}
	return correlate.One[bool](reply)
}

// ReplayAndWait sends Replay and waits for the echoed message.
func (s ServerMethods) ReplayAndWait(ctx context.Context, msg string) (string, error) {
	reply, err := s.c.SendThenAwaitOnce(ctx, MethodReplayReply, []dispatch.ParamType{dispatch.Param[string]()}, MethodReplay, msg)
	if err != nil {
		return "", err
	}
	return correlate.One[string](reply)
}

// ListenerContract declares the methods the demo hub invokes on clients.
func ListenerContract() *dispatch.Contract {
	return dispatch.NewContract("DemoListener").
		Method(MethodLoginResult, dispatch.Param[bool]()).
		Method(MethodReplayReply, dispatch.Param[string]())
}

// Listener implements ListenerContract with typed callbacks. Nil callbacks
// are left unbound.
type Listener struct {
	LoginResult func(ctx context.Context, accepted bool) error
	Replay      func(ctx context.Context, msg string) error
}

// Impl adapts l for client.Bind.
func (l Listener) Impl() dispatch.Impl {
	impl := dispatch.Impl{}
	if l.LoginResult != nil {
		impl[MethodLoginResult] = func(ctx context.Context, inv *dispatch.Invocation) error {
			v, err := dispatch.Arg[bool](inv.Args, 0)
			if err != nil {
				return err
			}
			return l.LoginResult(ctx, v)
		}
	}
	if l.Replay != nil {
		impl[MethodReplayReply] = func(ctx context.Context, inv *dispatch.Invocation) error {
			v, err := dispatch.Arg[string](inv.Args, 0)
			if err != nil {
				return err
			}
			return l.Replay(ctx, v)
		}
	}
	return impl
}
