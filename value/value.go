// Package value defines the tangram value universe: the sum of all object
// types, their canonical serialized forms, and the lazy handle protocol
// that connects runtime values to the content-addressed store.
package value

import (
	"github.com/tangram-dev/tangram/id"
)

// Value is the closed sum of every tangram value.
type Value interface {
	Kind() id.Kind
}

// Null is the unit value.
type Null struct{}

// Bool is a boolean value.
type Bool bool

// Number is a 64-bit float value.
type Number float64

// String is a UTF-8 string value.
type String string

// Bytes is a raw byte string value.
type Bytes []byte

func (Null) Kind() id.Kind   { return id.Null }
func (Bool) Kind() id.Kind   { return id.Bool }
func (Number) Kind() id.Kind { return id.Number }
func (String) Kind() id.Kind { return id.String }
func (Bytes) Kind() id.Kind  { return id.Bytes }

// Array is an ordered list of values.
type Array []Value

// Map is a string-keyed map of values. Serialization orders keys.
type Map map[string]Value

func (Array) Kind() id.Kind { return id.Array }
func (Map) Kind() id.Kind   { return id.Map }

// Artifact is implemented by the three filesystem value types.
type Artifact interface {
	Value
	artifact()
}

// children returns the handles a value holds directly, in serialization
// order. Storing a value stores these first; this is what makes the store
// closure invariant hold.
func children(v Value) []*Handle {
	switch v := v.(type) {
	case Null, Bool, Number, String, Bytes, Placeholder:
		return nil
	case ObjectRef:
		return []*Handle{v.Handle}
	case *Leaf:
		return nil
	case *Branch:
		hs := make([]*Handle, len(v.Children))
		for i, c := range v.Children {
			hs[i] = c.Blob
		}
		return hs
	case *Directory:
		hs := make([]*Handle, 0, len(v.Entries))
		for _, name := range v.names() {
			hs = append(hs, v.Entries[name])
		}
		return hs
	case *File:
		hs := []*Handle{v.Contents}
		hs = append(hs, v.References...)
		return hs
	case *Symlink:
		return v.Target.artifactHandles()
	case *Template:
		return v.artifactHandles()
	case *Package:
		hs := []*Handle{v.Artifact}
		for _, dep := range v.sortedDependencies() {
			hs = append(hs, v.Dependencies[dep])
		}
		return hs
	case *Target:
		return v.children()
	case *Process:
		return v.children()
	case *Run:
		return v.children()
	case Array:
		var hs []*Handle
		for _, e := range v {
			hs = append(hs, children(e)...)
		}
		return hs
	case Map:
		var hs []*Handle
		for _, k := range sortedKeys(v) {
			hs = append(hs, children(v[k])...)
		}
		return hs
	default:
		return nil
	}
}

// Children returns the IDs of every object a serialized value references.
// The handles of a freshly deserialized value always carry IDs, so this
// never forces a store.
func Children(v Value) []id.ID {
	var ids []id.ID
	for _, h := range children(v) {
		if i, ok := h.CachedID(); ok {
			ids = append(ids, i)
		}
	}
	return ids
}

// ChildrenOfBytes deserializes data and returns the referenced IDs. The
// store uses this to enforce the closure invariant without loading child
// objects.
func ChildrenOfBytes(data []byte) ([]id.ID, error) {
	v, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	return Children(v), nil
}

func sortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}
