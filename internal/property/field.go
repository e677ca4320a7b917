// Package property implements the Property/Data Registry (spec §4.4):
// a process-wide, write-once-at-startup table of field descriptors,
// each carrying a type tag and function-typed default/validate hooks
// instead of a virtual field class hierarchy, per spec §9 ("Dynamic
// dispatch over property types: replace virtual field classes with a
// tagged variant of value kinds plus a per-field descriptor").
//
// Grounded on original_source/src/data.cpp's TContainerValue
// subclasses (TStateData, TOomKilledData, TRespawnCountData, ...),
// translated from a class-per-field hierarchy into Go's flat-table
// idiom.
package property

import "github.com/portod/portod-go/internal/portoerr"

// Type is the field's value kind, per spec §3.
type Type int

const (
	TString Type = iota
	TBool
	TInt
	TUint
	TUintMap
	TText
)

// Flags is a bitset of the access flags named in spec §3/§4.4.
type Flags uint8

const (
	ReadOnly Flags = 1 << iota
	Hidden
	Persistent
	Postmortem
	Runtime
	Unsupported
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Value is the tagged union a field cell actually stores. Exactly one
// member is meaningful, selected by the owning Field's Type.
type Value struct {
	Str string
	Num int64 // also carries Uint and Bool (0/1)
	Map map[string]uint64
}

// DefaultFunc synthesizes a value when a container has none set,
// e.g. TAbsoluteNameData::GetDefault reading the owning container's
// name. ctx is opaque to the registry; callers in package container
// pass a *container.Container cast through an interface{} boundary so
// this package has no dependency cycle on container.
type DefaultFunc func(ctx any) (Value, *portoerr.Error)

// ValidateFunc rejects a proposed write before it is stored, e.g.
// refusing a negative memory_limit.
type ValidateFunc func(ctx any, v Value) *portoerr.Error

// IndexedFunc resolves an indexed read, per spec §4.4's
// get_indexed(field, index) for stream/per-device readers.
type IndexedFunc func(ctx any, index string) (Value, *portoerr.Error)

// Field is one registry entry. Either or both of Default/Validate may
// be nil (a field with no synthesized default, e.g. a plain
// user-configured property with a literal zero value; or a read-only
// field with no Validate because writes are rejected outright).
type Field struct {
	Key         string
	Type        Type
	Flags       Flags
	Description string
	Default     DefaultFunc
	Validate    ValidateFunc
	Indexed     IndexedFunc
}

func (f *Field) zeroValue() Value {
	switch f.Type {
	case TUintMap:
		return Value{Map: map[string]uint64{}}
	default:
		return Value{}
	}
}
