package allowlist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.json")
	return NewStore(path), path
}

func TestAddRemove_RoundTrip(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.Add("board-a", 50001); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("board-b", 50002); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got []Entry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("file is not a JSON array: %v\n%s", err, data)
	}
	if len(got) != 2 || got[0].Client != "board-a" || got[0].Port != "50001" {
		t.Fatalf("unexpected file contents: %+v", got)
	}

	if err := s.Remove("board-a", 50001); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Client != "board-b" {
		t.Fatalf("unexpected entries after remove: %+v", entries)
	}
}

func TestAdd_IsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Add("board-a", 50001); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single entry, got %+v", entries)
	}
}

func TestRemove_AbsentEntryIsNoOp(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.Remove("ghost", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("removing from an empty store should not create the file")
	}

	if err := s.Add("board-a", 50001); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("board-a", 9); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("mismatched port must not remove the entry: %+v", entries)
	}
}

func TestEmptyListSerializesAsArray(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.Add("board-a", 50001); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("board-a", 50001); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Fatalf("empty allowlist must serialize as [], got %q", data)
	}
}
