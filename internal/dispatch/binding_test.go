package dispatch

import (
	"context"
	"errors"
	"testing"
)

func nop(context.Context, *Invocation) error { return nil }

func TestNewBindingArityBound(t *testing.T) {
	t.Parallel()

	params := make([]ParamType, MaxArity)
	for i := range params {
		params[i] = Param[string]()
	}
	if _, err := NewBinding("Eight", nop, params...); err != nil {
		t.Fatalf("arity %d should be accepted: %v", MaxArity, err)
	}
	params = append(params, Param[int]())
	if _, err := NewBinding("Nine", nop, params...); !errors.Is(err, ErrArityExceeded) {
		t.Fatalf("expected ErrArityExceeded, got %v", err)
	}
}

func TestNewBindingRejectsEmptyName(t *testing.T) {
	t.Parallel()

	if _, err := NewBinding(" ", nop); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestBindingParamsAreCopied(t *testing.T) {
	t.Parallel()

	b, err := NewBinding("Login", nop, Param[string](), Param[string]())
	if err != nil {
		t.Fatal(err)
	}
	p := b.Params()
	p[0] = Param[int]()
	if b.Params()[0].Name() != "string" {
		t.Fatal("binding params must not be mutable through Params")
	}
	if b.Arity() != 2 {
		t.Fatalf("unexpected arity %d", b.Arity())
	}
}

func TestTableAtMostOneBindingPerName(t *testing.T) {
	t.Parallel()

	table := NewTable()
	a, _ := NewBinding("Replay", nop, Param[string]())
	b, _ := NewBinding("Replay", nop, Param[string]())
	if err := table.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := table.Add(b); !errors.Is(err, ErrDuplicateBinding) {
		t.Fatalf("expected ErrDuplicateBinding, got %v", err)
	}
	if prev := table.Set(b); prev != a {
		t.Fatal("Set should return the replaced binding")
	}
	if table.RemoveIf("Replay", a) {
		t.Fatal("stale owner must not remove the current binding")
	}
	if !table.RemoveIf("Replay", b) {
		t.Fatal("owner should remove its binding")
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %v", table.Names())
	}
}

func TestArgTypeMismatch(t *testing.T) {
	t.Parallel()

	args := Args{"x"}
	if _, err := Arg[int](args, 0); err == nil {
		t.Fatal("expected type mismatch")
	}
	if _, err := Arg[string](args, 1); !errors.Is(err, ErrArgumentCount) {
		t.Fatalf("expected ErrArgumentCount, got %v", err)
	}
}
