package correlate

import (
	"fmt"
	"reflect"
)

// Tuple is the ordered, arity-checked result of a wait.
type Tuple struct {
	values []any
}

// NewTuple builds a tuple from values.
func NewTuple(values ...any) Tuple {
	return Tuple{values: append([]any(nil), values...)}
}

func (t Tuple) Len() int { return len(t.values) }

// At returns element i or nil when out of range.
func (t Tuple) At(i int) any {
	if i < 0 || i >= len(t.values) {
		return nil
	}
	return t.values[i]
}

// Values returns a copy of the elements.
func (t Tuple) Values() []any {
	return append([]any(nil), t.values...)
}

// Item returns element i as T.
func Item[T any](t Tuple, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(t.values) {
		return zero, fmt.Errorf("%w: index %d of %d", ErrArityMismatch, i, len(t.values))
	}
	v, ok := t.values[i].(T)
	if !ok {
		return zero, fmt.Errorf("element %d is %T, not %s", i, t.values[i], reflect.TypeFor[T]())
	}
	return v, nil
}

// One unpacks a single-element tuple.
func One[A any](t Tuple) (A, error) {
	var a A
	if err := expect(t, 1); err != nil {
		return a, err
	}
	return Item[A](t, 0)
}

// Two unpacks a two-element tuple.
func Two[A, B any](t Tuple) (a A, b B, err error) {
	if err = expect(t, 2); err != nil {
		return
	}
	if a, err = Item[A](t, 0); err != nil {
		return
	}
	b, err = Item[B](t, 1)
	return
}

// Three unpacks a three-element tuple.
func Three[A, B, C any](t Tuple) (a A, b B, c C, err error) {
	if err = expect(t, 3); err != nil {
		return
	}
	if a, err = Item[A](t, 0); err != nil {
		return
	}
	if b, err = Item[B](t, 1); err != nil {
		return
	}
	c, err = Item[C](t, 2)
	return
}

func expect(t Tuple, n int) error {
	if len(t.values) != n {
		return fmt.Errorf("%w: want %d, got %d", ErrArityMismatch, n, len(t.values))
	}
	return nil
}
