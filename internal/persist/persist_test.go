package persist

import (
	"path/filepath"
	"testing"

	"github.com/portod/portod-go/internal/property"
)

func TestFileStoreSaveThenLoadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	rec := Record{
		Name:       "/a",
		ParentName: "/",
		State:      "running",
		Properties: map[string]property.Value{"command": {Str: "sleep 1"}},
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Name != "/a" || records[0].State != "running" {
		t.Fatalf("got %+v, want name /a state running", records[0])
	}
}

func TestFileStoreSaveOverwritesSameName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := s.Save(Record{Name: "/a", State: "stopped"}); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	if err := s.Save(Record{Name: "/a", State: "running"}); err != nil {
		t.Fatalf("Save 2: %v", err)
	}

	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 || records[0].State != "running" {
		t.Fatalf("got %+v, want single running record", records)
	}
}

func TestFileStoreDeleteRemovesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := s.Save(Record{Name: "/a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(Record{Name: "/b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete("/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 || records[0].Name != "/b" {
		t.Fatalf("got %+v, want only /b", records)
	}
}

func TestFileStoreLoadAllOnMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-written.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	records, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records, want 0", len(records))
	}
}

func TestFileStoreDeleteOfUnknownNameIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := s.Delete("/never-existed"); err != nil {
		t.Fatalf("Delete of unknown name should be a no-op, got: %v", err)
	}
}
