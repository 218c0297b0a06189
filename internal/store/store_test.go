package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestWriteAndGet(t *testing.T) {
	s := openTestStore(t)

	rows := []Row{
		{Key: []byte("Hbbb"), Value: []byte("2")},
		{Key: []byte("Haaa"), Value: []byte("1")},
		{Key: []byte("Hccc"), Value: []byte("3")},
	}
	if err := s.History.Write(rows, FlushSync); err != nil {
		t.Fatal(err)
	}

	value, err := s.History.Get([]byte("Haaa"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(value, []byte("1")) {
		t.Errorf("value = %q, want 1", value)
	}

	if _, err := s.History.Get([]byte("Hzzz")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key returned %v, want ErrNotFound", err)
	}
}

func TestMultiGet(t *testing.T) {
	s := openTestStore(t)
	if err := s.Txstore.Write([]Row{
		{Key: []byte("Ta"), Value: []byte("x")},
		{Key: []byte("Tc"), Value: []byte("y")},
	}, FlushAsync); err != nil {
		t.Fatal(err)
	}

	values, err := s.Txstore.MultiGet([][]byte{[]byte("Ta"), []byte("Tb"), []byte("Tc")})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(values[0], []byte("x")) || values[1] != nil || !bytes.Equal(values[2], []byte("y")) {
		t.Errorf("multiget mismatch: %q", values)
	}
}

func TestIterOrderAndBounds(t *testing.T) {
	s := openTestStore(t)
	rows := []Row{
		{Key: []byte("Hb"), Value: nil},
		{Key: []byte("Ha"), Value: nil},
		{Key: []byte("Hc"), Value: nil},
		{Key: []byte("Ix"), Value: nil}, // outside prefix
	}
	if err := s.History.Write(rows, FlushAsync); err != nil {
		t.Fatal(err)
	}

	it, err := s.History.Iter([]byte("H"), upperBound([]byte("H")))
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	want := []string{"Ha", "Hb", "Hc"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, keys[i], want[i])
		}
	}

	rev, err := s.History.IterReverse([]byte("H"), upperBound([]byte("H")))
	if err != nil {
		t.Fatal(err)
	}
	defer rev.Close()
	keys = keys[:0]
	for rev.Next() {
		keys = append(keys, string(rev.Key()))
	}
	if keys[0] != "Hc" || keys[2] != "Ha" {
		t.Errorf("reverse order wrong: %v", keys)
	}
}

func TestSchemaVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	// rewrite the version row with a future version
	var value [4]byte
	binary.LittleEndian.PutUint32(value[:], currentSchemaVersion+1)
	if err := s.Txstore.Write([]Row{{Key: KeyVersion, Value: value[:]}}, FlushSync); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := Open(dir, DefaultOptions()); !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("reopen returned %v, want ErrSchemaVersion", err)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Cache.Write([]Row{{Key: []byte("Ax"), Value: []byte("1")}}, FlushAsync); err != nil {
		t.Fatal(err)
	}
	if err := s.Cache.Delete([][]byte{[]byte("Ax")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cache.Get([]byte("Ax")); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key returned %v, want ErrNotFound", err)
	}
}
