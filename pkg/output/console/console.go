// Package console is a property store that prints synced points to stdout,
// for dry runs without a broker.
package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ericogr/wheelsense/pkg/output"
)

type ConsoleStore struct {
	thing string

	mu    sync.Mutex
	props map[string]*property
}

func NewConsole(thing string) *ConsoleStore {
	return &ConsoleStore{thing: thing, props: map[string]*property{}}
}

func (c *ConsoleStore) FindOrCreateProperty(_ context.Context, name string, typ output.PropertyType) (output.Property, error) {
	id := output.PropertyID(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.props[id]; ok {
		if p.typ != typ {
			return nil, fmt.Errorf("property %s exists with type %s, not %s", id, p.typ, typ)
		}
		return p, nil
	}
	p := &property{thing: c.thing, id: id, name: name, typ: typ}
	c.props[id] = p
	return p, nil
}

func (c *ConsoleStore) Close() error { return nil }

type property struct {
	thing string
	id    string
	name  string
	typ   output.PropertyType
	buf   output.Buffer
}

func (p *property) ID() string                { return p.id }
func (p *property) Name() string              { return p.name }
func (p *property) Type() output.PropertyType { return p.typ }
func (p *property) Pending() int              { return p.buf.Len() }
func (p *property) Discard()                  { p.buf.Reset() }

func (p *property) UpdateValues(values []any, timestampMs int64) {
	p.buf.Append(values, timestampMs)
}

func (p *property) Sync(context.Context) error {
	points := p.buf.Pending()
	for _, pt := range points {
		ts := time.UnixMilli(pt.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z07:00")
		fmt.Printf("%s thing=%s property=%s values=%v\n", ts, p.thing, p.id, pt.Values)
	}
	p.buf.Commit(len(points))
	return nil
}
