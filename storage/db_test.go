package storage

import (
	"errors"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, k := range []string{"htlc/b", "htlc/a", "other/c"} {
		if err := db.Put([]byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	got, err := db.Get([]byte("htlc/a"))
	if err != nil || string(got) != "v-htlc/a" {
		t.Fatalf("get: %q %v", got, err)
	}
	var keys []string
	if err := db.Iterate([]byte("htlc/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 2 || keys[0] != "htlc/a" || keys[1] != "htlc/b" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	count := 0
	_ = db.Iterate(nil, func(_, _ []byte) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("iteration must stop when fn returns false, visited %d", count)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}
