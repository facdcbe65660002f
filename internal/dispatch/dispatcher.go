package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/panjf2000/ants/v2"
)

// Inbound is one invocation received from the wire.
type Inbound struct {
	ID     string
	Target string
	Args   []RawMessage
	Caller any
	// Done, when set, receives the handler outcome exactly once.
	Done func(error)
}

// Dispatcher routes inbound invocations to bindings in a Table. Handlers run
// off the caller's goroutine and no lock is held while they execute, so a
// handler may send, invoke, or register bindings itself.
type Dispatcher struct {
	table    *Table
	pool     *ants.Pool
	log      *slog.Logger
	onDrop   func(target string)
	onInvoke func(target string)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithPool runs handlers on p. Without a pool every handler gets its own goroutine.
func WithPool(p *ants.Pool) DispatcherOption {
	return func(d *Dispatcher) { d.pool = p }
}

// WithDropHook is called for every invocation whose target is not bound.
func WithDropHook(fn func(target string)) DispatcherOption {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// WithInvokeHook is called for every invocation handed to a handler.
func WithInvokeHook(fn func(target string)) DispatcherOption {
	return func(d *Dispatcher) { d.onInvoke = fn }
}

// NewDispatcher returns a dispatcher over t.
func NewDispatcher(t *Table, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{table: t, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewPool creates the nonblocking handler pool used by NewDispatcher callers.
func NewPool(size int) (*ants.Pool, error) {
	if size <= 0 {
		size = ants.DefaultAntsPoolSize
	}
	return ants.NewPool(size, ants.WithNonblocking(true))
}

func (d *Dispatcher) Table() *Table { return d.table }

// Dispatch looks up in.Target and runs its handler asynchronously.
//
// An unbound target is logged and dropped; identified invocations also get
// ErrNoBinding through Done so the remote caller is not left waiting.
// Argument errors are returned to the caller and never reach the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) error {
	b, ok := d.table.Lookup(in.Target)
	if !ok {
		d.drop(in)
		return nil
	}
	if b.IsStream() {
		err := &InvocationError{Target: in.Target, Err: ErrNotStream}
		d.finish(in, err)
		return err
	}
	inv, err := b.prepare(in.ID, in.Args, in.Caller)
	if err != nil {
		err = &InvocationError{Target: in.Target, Err: err}
		d.finish(in, err)
		return err
	}
	if d.onInvoke != nil {
		d.onInvoke(in.Target)
	}
	d.submit(func() {
		d.finish(in, d.run(ctx, b, inv))
	})
	return nil
}

// DispatchStream starts the stream producer bound to in.Target. emit is
// called once per element; Done receives the final outcome.
func (d *Dispatcher) DispatchStream(ctx context.Context, in Inbound, emit func(item any) error) error {
	b, ok := d.table.Lookup(in.Target)
	if !ok {
		err := &InvocationError{Target: in.Target, Err: ErrNoBinding}
		d.drop(in)
		return err
	}
	if !b.IsStream() {
		err := &InvocationError{Target: in.Target, Err: ErrNotStream}
		d.finish(in, err)
		return err
	}
	inv, err := b.prepare(in.ID, in.Args, in.Caller)
	if err != nil {
		err = &InvocationError{Target: in.Target, Err: err}
		d.finish(in, err)
		return err
	}
	if d.onInvoke != nil {
		d.onInvoke(in.Target)
	}
	// Streams are long lived and stay off the shared pool.
	go func() {
		d.finish(in, d.runStream(ctx, b, inv, emit))
	}()
	return nil
}

func (d *Dispatcher) drop(in Inbound) {
	d.log.Debug("dropping invocation without binding", "target", in.Target, "id", in.ID)
	if d.onDrop != nil {
		d.onDrop(in.Target)
	}
	if in.ID != "" && in.Done != nil {
		in.Done(&InvocationError{Target: in.Target, Err: ErrNoBinding})
	}
}

func (d *Dispatcher) finish(in Inbound, err error) {
	if in.Done != nil {
		in.Done(err)
		return
	}
	if err != nil {
		d.log.Warn("invocation failed", "target", in.Target, "err", err)
	}
}

func (d *Dispatcher) submit(task func()) {
	if d.pool != nil {
		err := d.pool.Submit(task)
		if err == nil {
			return
		}
		if !errors.Is(err, ants.ErrPoolOverload) && !errors.Is(err, ants.ErrPoolClosed) {
			d.log.Warn("handler pool submit failed", "err", err)
		}
	}
	go task()
}

func (d *Dispatcher) run(ctx context.Context, b *Binding, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "target", b.name, "panic", r, "stack", string(debug.Stack()))
			err = &InvocationError{Target: b.name, Err: &PanicError{Value: r}}
		}
	}()
	if err := b.handler(ctx, inv); err != nil {
		return &InvocationError{Target: b.name, Err: err}
	}
	return nil
}

func (d *Dispatcher) runStream(ctx context.Context, b *Binding, inv *Invocation, emit func(any) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("stream panic", "target", b.name, "panic", r, "stack", string(debug.Stack()))
			err = &InvocationError{Target: b.name, Err: &PanicError{Value: r}}
		}
	}()
	if err := b.stream(ctx, inv, emit); err != nil {
		return &InvocationError{Target: b.name, Err: fmt.Errorf("stream: %w", err)}
	}
	return nil
}
