package dispatch

import (
	"context"
	"fmt"
	"strings"
)

// MaxArity bounds the number of parameters a binding may declare.
const MaxArity = 8

// Invocation is what a handler receives for one inbound call.
type Invocation struct {
	ID     string
	Target string
	Args   Args
	Raw    []RawMessage
	// Caller is the connection the invocation arrived on.
	Caller any
}

// Handler runs one inbound invocation.
type Handler func(ctx context.Context, inv *Invocation) error

// StreamFunc produces the elements of a stream by calling emit once per item.
type StreamFunc func(ctx context.Context, inv *Invocation, emit func(item any) error) error

// Binding pairs a method name with its ordered parameter types and handler.
// Bindings are immutable after construction.
type Binding struct {
	name    string
	params  []ParamType
	handler Handler
	stream  StreamFunc
	raw     bool
}

// NewBinding builds a method binding with decoded arguments.
func NewBinding(name string, handler Handler, params ...ParamType) (*Binding, error) {
	if err := checkSignature(name, len(params)); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("binding %s: nil handler", name)
	}
	return &Binding{name: name, params: append([]ParamType(nil), params...), handler: handler}, nil
}

// NewRawBinding builds a binding that receives undecoded arguments in
// Invocation.Raw, with no arity check.
func NewRawBinding(name string, handler Handler) (*Binding, error) {
	if err := checkSignature(name, 0); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("binding %s: nil handler", name)
	}
	return &Binding{name: name, handler: handler, raw: true}, nil
}

// NewStreamBinding builds a stream producer binding.
func NewStreamBinding(name string, fn StreamFunc, params ...ParamType) (*Binding, error) {
	if err := checkSignature(name, len(params)); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("binding %s: nil stream func", name)
	}
	return &Binding{name: name, params: append([]ParamType(nil), params...), stream: fn}, nil
}

func checkSignature(name string, arity int) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if arity > MaxArity {
		return fmt.Errorf("%w: %s declares %d parameters, max %d", ErrArityExceeded, name, arity, MaxArity)
	}
	return nil
}

func (b *Binding) Name() string { return b.name }

func (b *Binding) Arity() int { return len(b.params) }

// Params returns a copy of the declared parameter types.
func (b *Binding) Params() []ParamType {
	return append([]ParamType(nil), b.params...)
}

func (b *Binding) IsStream() bool { return b.stream != nil }

func (b *Binding) IsRaw() bool { return b.raw }

// prepare builds the handler input from raw wire arguments.
func (b *Binding) prepare(id string, raw []RawMessage, caller any) (*Invocation, error) {
	inv := &Invocation{ID: id, Target: b.name, Raw: raw, Caller: caller}
	if b.raw {
		return inv, nil
	}
	args, err := coerce(b.name, b.params, raw)
	if err != nil {
		return nil, err
	}
	inv.Args = args
	return inv, nil
}
