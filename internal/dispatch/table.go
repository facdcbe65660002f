package dispatch

import (
	"slices"
	"sync"
)

// Table maps method names to bindings. Reads and writes lock only per key.
type Table struct {
	m sync.Map // name -> *Binding
}

// NewTable returns an empty binding table.
func NewTable() *Table {
	return &Table{}
}

// Add installs b, failing if its name is already bound.
func (t *Table) Add(b *Binding) error {
	if _, loaded := t.m.LoadOrStore(b.name, b); loaded {
		return &InvocationError{Target: b.name, Err: ErrDuplicateBinding}
	}
	return nil
}

// Set installs b, replacing any existing binding, and returns the previous one.
func (t *Table) Set(b *Binding) *Binding {
	prev, loaded := t.m.Swap(b.name, b)
	if !loaded {
		return nil
	}
	return prev.(*Binding)
}

// Remove deletes the binding for name.
func (t *Table) Remove(name string) bool {
	_, ok := t.m.LoadAndDelete(name)
	return ok
}

// RemoveIf deletes name only while it is still bound to b.
func (t *Table) RemoveIf(name string, b *Binding) bool {
	return t.m.CompareAndDelete(name, b)
}

// Lookup finds the binding for an exact name.
func (t *Table) Lookup(name string) (*Binding, bool) {
	v, ok := t.m.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Binding), true
}

// Names returns the bound names in sorted order.
func (t *Table) Names() []string {
	var names []string
	t.m.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	slices.Sort(names)
	return names
}

func (t *Table) Len() int {
	n := 0
	t.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
