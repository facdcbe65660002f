package dispatch

import (
	"fmt"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is an undecoded JSON argument.
type RawMessage = jsoniter.RawMessage

// ParamType describes one positional parameter and how to decode it.
type ParamType struct {
	name   string
	decode func(RawMessage) (any, error)
}

// Param returns the parameter type for T. Arguments are decoded from JSON.
func Param[T any]() ParamType {
	return ParamType{
		name: reflect.TypeFor[T]().String(),
		decode: func(raw RawMessage) (any, error) {
			var v T
			if len(raw) == 0 {
				return v, nil
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Name returns the Go type name, e.g. "string" or "demo.Credentials".
func (p ParamType) Name() string {
	return p.name
}

// Decode converts raw into the parameter's type.
func (p ParamType) Decode(raw RawMessage) (any, error) {
	if p.decode == nil {
		return nil, fmt.Errorf("parameter type %q has no decoder", p.name)
	}
	return p.decode(raw)
}

// Args holds decoded positional arguments.
type Args []any

// Arg returns argument i as T.
func Arg[T any](args Args, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, fmt.Errorf("%w: argument %d of %d", ErrArgumentCount, i, len(args))
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("argument %d is %T, not %s", i, args[i], reflect.TypeFor[T]())
	}
	return v, nil
}

func coerce(target string, params []ParamType, raw []RawMessage) (Args, error) {
	if len(raw) != len(params) {
		return nil, fmt.Errorf("%w: %s expects %d, got %d", ErrArgumentCount, target, len(params), len(raw))
	}
	out := make(Args, len(params))
	for i, p := range params {
		v, err := p.Decode(raw[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, p.Name(), err)
		}
		out[i] = v
	}
	return out, nil
}
