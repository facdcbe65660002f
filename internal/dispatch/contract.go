package dispatch

import (
	"fmt"

	"github.com/samber/lo"
)

// Member is one entry of a listener contract.
type Member struct {
	Name   string
	Params []ParamType
	// Item is the element type of a stream member.
	Item   ParamType
	Stream bool
}

// Contract declares the methods a remote peer may invoke locally. Each member
// is listed once with its name and ordered parameter types.
type Contract struct {
	name    string
	members []Member
}

// NewContract starts a contract declaration.
func NewContract(name string) *Contract {
	return &Contract{name: name}
}

// Method declares a plain method member.
func (c *Contract) Method(name string, params ...ParamType) *Contract {
	c.members = append(c.members, Member{Name: name, Params: params})
	return c
}

// Stream declares a member fed by a server stream of item values. The
// handler runs once per element with the item as its only argument.
func (c *Contract) Stream(name string, item ParamType, params ...ParamType) *Contract {
	c.members = append(c.members, Member{Name: name, Params: params, Item: item, Stream: true})
	return c
}

func (c *Contract) Name() string { return c.name }

// Members returns the declared members in declaration order.
func (c *Contract) Members() []Member {
	return append([]Member(nil), c.members...)
}

// Validate reports fatal declaration errors: empty or duplicate names and
// members above MaxArity.
func (c *Contract) Validate() error {
	for _, m := range c.members {
		if err := checkSignature(m.Name, len(m.Params)); err != nil {
			return fmt.Errorf("contract %s: %w", c.name, err)
		}
	}
	names := lo.Map(c.members, func(m Member, _ int) string { return m.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return fmt.Errorf("contract %s: %w: %v", c.name, ErrDuplicateBinding, dups)
	}
	return nil
}

// Impl supplies handlers for contract members by name.
type Impl map[string]Handler

// StreamSubscription is a stream member paired with its per-element handler.
type StreamSubscription struct {
	Member  Member
	Handler Handler
}

// BindReport describes the outcome of Bind.
type BindReport struct {
	Bound   []string
	Skipped []string
	Streams []StreamSubscription
}

// Bind installs a binding on t for every method member that impl implements.
// Members without an implementation are skipped and reported. Stream members
// are returned as subscriptions for the caller to open on connect. Declaration
// errors abort before anything is installed.
func Bind(t *Table, c *Contract, impl Impl) (BindReport, error) {
	var report BindReport
	if err := c.Validate(); err != nil {
		return report, err
	}

	bindings := make([]*Binding, 0, len(c.members))
	for _, m := range c.members {
		h, ok := impl[m.Name]
		if !ok || h == nil {
			report.Skipped = append(report.Skipped, m.Name)
			continue
		}
		if m.Stream {
			report.Streams = append(report.Streams, StreamSubscription{Member: m, Handler: h})
			continue
		}
		b, err := NewBinding(m.Name, h, m.Params...)
		if err != nil {
			return BindReport{}, err
		}
		bindings = append(bindings, b)
	}

	for i, b := range bindings {
		if err := t.Add(b); err != nil {
			for _, installed := range bindings[:i] {
				t.RemoveIf(installed.name, installed)
			}
			return BindReport{}, err
		}
		report.Bound = append(report.Bound, b.name)
	}
	return report, nil
}
