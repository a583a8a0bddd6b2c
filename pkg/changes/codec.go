// ABOUTME: Binary encoding of change events for the commit journal
// ABOUTME: Events are flattened into a tuple of order-preserving values

package changes

import (
	"errors"
	"fmt"

	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/value"
)

// ErrMalformedEvent is returned when a journaled event cannot be decoded
var ErrMalformedEvent = errors.New("malformed event")

// Marshal encodes an event together with its entity snapshot.
// Layout: kind, id, type, deleted, name, [old], [new], nprops, (name, value)*, ngroups, group*
func Marshal(ev Event) []byte {
	s := ev.Entity
	buf := make([]byte, 0, 128)

	buf = value.Encode(buf,
		value.Int(int64(ev.Kind)),
		value.Text(string(s.ID)),
		value.Text(s.Type),
		value.Bool(s.Deleted),
		value.Text(ev.Name),
	)
	buf = appendOptional(buf, ev.Old)
	buf = appendOptional(buf, ev.New)

	buf = value.Encode(buf, value.Int(int64(len(s.Properties))))
	for _, name := range s.PropertyNames() {
		buf = value.Encode(buf, value.Text(name), s.Properties[name])
	}

	buf = value.Encode(buf, value.Int(int64(len(s.Groups))))
	for _, group := range s.GroupNames() {
		buf = value.Encode(buf, value.Text(group))
	}
	return buf
}

func appendOptional(buf []byte, v value.Value) []byte {
	if !v.IsValid() {
		return value.Encode(buf, value.Bool(false))
	}
	return value.Encode(buf, value.Bool(true), v)
}

// Unmarshal decodes an event written by Marshal
func Unmarshal(data []byte) (Event, error) {
	d := &decoder{data: data}

	kind := d.int()
	id := d.text()
	typ := d.text()
	deleted := d.bool()
	name := d.text()
	old := d.optional()
	cur := d.optional()

	state := &entity.State{
		ID:         entity.ID(id),
		Type:       typ,
		Deleted:    deleted,
		Properties: map[string]value.Value{},
		Groups:     map[string]struct{}{},
	}

	for n := d.int(); n > 0 && d.err == nil; n-- {
		prop := d.text()
		state.Properties[prop] = d.next()
	}
	for n := d.int(); n > 0 && d.err == nil; n-- {
		state.Groups[d.text()] = struct{}{}
	}

	if d.err != nil {
		return Event{}, d.err
	}
	if len(d.data) != 0 {
		return Event{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEvent, len(d.data))
	}
	if _, ok := kindNames[Kind(kind)]; !ok {
		return Event{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedEvent, kind)
	}

	return Event{Kind: Kind(kind), Entity: state, Name: name, Old: old, New: cur}, nil
}

// decoder walks a value tuple, remembering the first error
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) next() value.Value {
	if d.err != nil {
		return value.Null()
	}
	v, n, err := value.DecodeOne(d.data)
	if err != nil {
		d.err = fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		return value.Null()
	}
	d.data = d.data[n:]
	return v
}

func (d *decoder) expect(kind value.Kind) value.Value {
	v := d.next()
	if d.err == nil && v.Kind() != kind {
		d.err = fmt.Errorf("%w: expected %s, got %s", ErrMalformedEvent, kind, v.Kind())
	}
	return v
}

func (d *decoder) int() int64 {
	i, _ := d.expect(value.KindInteger).AsInt()
	return i
}

func (d *decoder) text() string {
	s, _ := d.expect(value.KindText).AsText()
	return s
}

func (d *decoder) bool() bool {
	b, _ := d.expect(value.KindBoolean).AsBool()
	return b
}

func (d *decoder) optional() value.Value {
	if !d.bool() {
		return value.Value{}
	}
	return d.next()
}
