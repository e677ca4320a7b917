package property

import (
	"sort"
	"sync"

	"github.com/portod/portod-go/internal/portoerr"
)

// Registry is the process-wide field table. Register is only valid
// during daemon startup; afterwards the table is read-only for the
// daemon's lifetime, per spec §4.4.
type Registry struct {
	mu     sync.RWMutex
	fields map[string]*Field
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{fields: make(map[string]*Field)}
}

// Register adds a field descriptor. Panics if called after Seal, since
// that indicates a programming error (a field registered too late to
// participate in persistence/enumeration), not a runtime condition a
// caller should handle.
func (r *Registry) Register(f *Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("property: Register called after registry was sealed")
	}
	r.fields[f.Key] = f
}

// Seal freezes the registry; called once after all daemon startup
// registration is complete.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup returns the field descriptor for key, or nil.
func (r *Registry) Lookup(key string) *Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fields[key]
}

// List returns every non-hidden field, sorted by key, for RPC
// enumeration (list_properties / list_volume_properties).
func (r *Registry) List() []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Field, 0, len(r.fields))
	for _, f := range r.fields {
		if f.Flags.Has(Hidden) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Persistent returns every field flagged Persistent, for serialization
// on every commit of a container, per spec §4.4.
func (r *Registry) Persistent() []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Field
	for _, f := range r.fields {
		if f.Flags.Has(Persistent) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Store is a single container's sparse value map plus the lookups
// that fall through to the owning field's default producer, per spec
// §4.4's "Per-container value storage is a sparse map; lookups fall
// through to the field's default producer."
type Store struct {
	mu     sync.RWMutex
	reg    *Registry
	values map[string]Value
	// ctx is passed to DefaultFunc/ValidateFunc/IndexedFunc so they can
	// read the owning container without this package depending on
	// package container.
	ctx any
}

func NewStore(reg *Registry, ctx any) *Store {
	return &Store{reg: reg, values: make(map[string]Value), ctx: ctx}
}

// Registry returns the field table this store resolves against, for
// callers (e.g. internal/rpc's list_properties) that need to enumerate
// field descriptors rather than resolve a single value.
func (s *Store) Registry() *Registry {
	return s.reg
}

// Get resolves a field's value: the stored cell if present, else the
// field's default producer, else the zero value for its type.
func (s *Store) Get(key string) (Value, *portoerr.Error) {
	f := s.reg.Lookup(key)
	if f == nil {
		return Value{}, portoerr.New(portoerr.InvalidProperty, "unknown property %s", key)
	}
	if f.Flags.Has(Unsupported) {
		return Value{}, portoerr.New(portoerr.NotSupported, "%s is not supported", key)
	}

	if f.Flags.Has(Runtime) {
		if f.Default == nil {
			return f.zeroValue(), nil
		}
		return f.Default(s.ctx)
	}

	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}
	if f.Default != nil {
		return f.Default(s.ctx)
	}
	return f.zeroValue(), nil
}

// GetIndexed resolves an indexed accessor, per spec §4.4.
func (s *Store) GetIndexed(key, index string) (Value, *portoerr.Error) {
	f := s.reg.Lookup(key)
	if f == nil {
		return Value{}, portoerr.New(portoerr.InvalidProperty, "unknown property %s", key)
	}
	if f.Indexed == nil {
		return Value{}, portoerr.New(portoerr.InvalidValue, "%s has no indexed accessor", key)
	}
	return f.Indexed(s.ctx, index)
}

// Set writes a value. read-only fields reject with InvalidProperty;
// unsupported fields reject with NotSupported; Validate (if present)
// may reject with any classified error.
func (s *Store) Set(key string, v Value) *portoerr.Error {
	f := s.reg.Lookup(key)
	if f == nil {
		return portoerr.New(portoerr.InvalidProperty, "unknown property %s", key)
	}
	if f.Flags.Has(ReadOnly) {
		return portoerr.New(portoerr.InvalidProperty, "%s is read-only", key)
	}
	if f.Flags.Has(Unsupported) {
		return portoerr.New(portoerr.NotSupported, "%s is not supported", key)
	}
	if f.Validate != nil {
		if err := f.Validate(s.ctx, v); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
	return nil
}

// Has reports whether a value cell is explicitly set (as opposed to
// falling through to a default), mirroring TContainer::HasProp.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// ClearVolatile drops every field NOT flagged Postmortem, for the
// Dead -> Stopped transition (spec §3: "postmortem fields survive the
// transition to Dead; Stopped clears them").
func (s *Store) ClearVolatile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.values {
		f := s.reg.Lookup(key)
		if f == nil || !f.Flags.Has(Postmortem) {
			delete(s.values, key)
		}
	}
}

// Snapshot returns a deep copy of the persistent fields' stored
// values, for handing to the persistence layer without risking a
// concurrent writer mutating the map mid-serialize.
func (s *Store) Snapshot() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.values))
	for _, f := range s.reg.Persistent() {
		if v, ok := s.values[f.Key]; ok {
			out[f.Key] = deepCopyValue(v)
		}
	}
	return out
}

// Restore loads a persisted snapshot back into the store, e.g. after
// a daemon restart.
func (s *Store) Restore(snapshot map[string]Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range snapshot {
		s.values[k] = deepCopyValue(v)
	}
}
