package server

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/koltyakov/duplex/internal/dispatch"
)

// Clients selects connections of one hub route.
type Clients struct {
	ep *endpoint
}

// Group is a set of connections addressed together.
type Group []*Conn

// Caller returns the connection inv arrived on.
func (c *Clients) Caller(inv *dispatch.Invocation) (*Conn, bool) {
	return Caller(inv)
}

// Get returns the connection with the given id.
func (c *Clients) Get(id string) (*Conn, bool) {
	v, ok := c.ep.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// All returns every live connection ordered by id.
func (c *Clients) All() Group {
	var out Group
	c.ep.conns.Range(func(_, v any) bool {
		conn := v.(*Conn)
		if !conn.closing.Load() {
			out = append(out, conn)
		}
		return true
	})
	slices.SortFunc(out, func(a, b *Conn) int { return strings.Compare(a.id, b.id) })
	return out
}

// User returns the connections of identity.
func (c *Clients) User(identity string) Group {
	return lo.Filter(c.All(), func(conn *Conn, _ int) bool {
		return conn.identity == identity
	})
}

// Except returns every connection but the given ids.
func (c *Clients) Except(ids ...string) Group {
	return lo.Reject(c.All(), func(conn *Conn, _ int) bool {
		return lo.Contains(ids, conn.id)
	})
}

// Len returns the number of live connections.
func (c *Clients) Len() int { return len(c.All()) }

// Send delivers target to every connection of g. Failures on one connection
// do not stop delivery to the rest.
func (g Group) Send(ctx context.Context, target string, args ...any) error {
	var errs []error
	for _, conn := range g {
		if err := conn.Send(ctx, target, args...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IDs returns the connection ids of g.
func (g Group) IDs() []string {
	return lo.Map(g, func(conn *Conn, _ int) string { return conn.id })
}
