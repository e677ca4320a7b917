package property

import (
	"testing"

	"github.com/portod/portod-go/internal/portoerr"
)

func newTestRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(&Field{
		Key: "name", Type: TString,
		Flags: Persistent,
		Default: func(ctx any) (Value, *portoerr.Error) {
			return Value{Str: "default-name"}, nil
		},
	})
	reg.Register(&Field{
		Key: "readonly", Type: TInt, Flags: ReadOnly,
	})
	reg.Register(&Field{
		Key: "hidden", Type: TInt, Flags: Hidden,
	})
	reg.Register(&Field{
		Key: "guarded", Type: TInt,
		Validate: func(ctx any, v Value) *portoerr.Error {
			if v.Num < 0 {
				return portoerr.New(portoerr.InvalidValue, "must be non-negative")
			}
			return nil
		},
	})
	reg.Register(&Field{
		Key: "postmortem", Type: TInt, Flags: Postmortem,
	})
	return reg
}

func TestStoreGetFallsThroughToDefault(t *testing.T) {
	reg := newTestRegistry()
	s := NewStore(reg, nil)

	v, err := s.Get("name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Str != "default-name" {
		t.Fatalf("got %q, want default-name", v.Str)
	}
	if s.Has("name") {
		t.Fatal("Has should be false before any explicit Set")
	}
}

func TestStoreSetOverridesDefault(t *testing.T) {
	reg := newTestRegistry()
	s := NewStore(reg, nil)

	if err := s.Set("name", Value{Str: "override"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get("name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Str != "override" {
		t.Fatalf("got %q, want override", v.Str)
	}
	if !s.Has("name") {
		t.Fatal("Has should be true after Set")
	}
}

func TestStoreSetRejectsReadOnly(t *testing.T) {
	reg := newTestRegistry()
	s := NewStore(reg, nil)

	err := s.Set("readonly", Value{Num: 1})
	if err == nil || err.Kind != portoerr.InvalidProperty {
		t.Fatalf("got %v, want InvalidProperty", err)
	}
}

func TestStoreSetRunsValidate(t *testing.T) {
	reg := newTestRegistry()
	s := NewStore(reg, nil)

	if err := s.Set("guarded", Value{Num: -1}); err == nil || err.Kind != portoerr.InvalidValue {
		t.Fatalf("got %v, want InvalidValue", err)
	}
	if err := s.Set("guarded", Value{Num: 5}); err != nil {
		t.Fatalf("Set with valid value: %v", err)
	}
}

func TestStoreGetUnknownKey(t *testing.T) {
	reg := newTestRegistry()
	s := NewStore(reg, nil)

	if _, err := s.Get("nope"); err == nil || err.Kind != portoerr.InvalidProperty {
		t.Fatalf("got %v, want InvalidProperty", err)
	}
}

func TestRegistryListOmitsHidden(t *testing.T) {
	reg := newTestRegistry()
	for _, f := range reg.List() {
		if f.Key == "hidden" {
			t.Fatal("List leaked a Hidden field")
		}
	}
}

func TestRegistryRegisterPanicsAfterSeal(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering after Seal")
		}
	}()
	reg.Register(&Field{Key: "late", Type: TString})
}

func TestStoreClearVolatileKeepsPostmortem(t *testing.T) {
	reg := newTestRegistry()
	s := NewStore(reg, nil)

	if err := s.Set("guarded", Value{Num: 1}); err != nil {
		t.Fatalf("Set guarded: %v", err)
	}
	if err := s.Set("postmortem", Value{Num: 2}); err != nil {
		t.Fatalf("Set postmortem: %v", err)
	}

	s.ClearVolatile()

	if s.Has("guarded") {
		t.Fatal("ClearVolatile should have dropped a non-Postmortem value")
	}
	if !s.Has("postmortem") {
		t.Fatal("ClearVolatile should have kept a Postmortem value")
	}
}

func TestStoreSnapshotRestoreRoundTrips(t *testing.T) {
	reg := newTestRegistry()
	s := NewStore(reg, nil)

	if err := s.Set("name", Value{Str: "persisted"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	snap := s.Snapshot()

	s2 := NewStore(reg, nil)
	s2.Restore(snap)

	v, err := s2.Get("name")
	if err != nil {
		t.Fatalf("Get after Restore: %v", err)
	}
	if v.Str != "persisted" {
		t.Fatalf("got %q, want persisted", v.Str)
	}
}

func TestStoreSnapshotIsIndependentCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Field{Key: "tags", Type: TUintMap, Flags: Persistent})
	s := NewStore(reg, nil)

	if err := s.Set("tags", Value{Map: map[string]uint64{"a": 1}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	snap := s.Snapshot()
	snap["tags"].Map["a"] = 99

	v, err := s.Get("tags")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Map["a"] != 1 {
		t.Fatalf("Snapshot leaked a mutation back into the store: got %d, want 1", v.Map["a"])
	}
}
