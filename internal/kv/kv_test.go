package kv

import (
	"path/filepath"
	"testing"

	"agenda/internal/sqlitedb"
)

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := sqlitedb.Open(sqlitedb.Config{Path: filepath.Join(t.TempDir(), "kv.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLite(db)
}

func TestStores(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemory(),
		"sqlite": openSQLite(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get("missing"); ok || err != nil {
				t.Fatalf("Get(missing) ok=%v err=%v", ok, err)
			}

			if err := s.Set("notify_exams", "false"); err != nil {
				t.Fatal(err)
			}
			if err := s.Set("notify_exams", "true"); err != nil {
				t.Fatal(err)
			}
			v, ok, err := s.Get("notify_exams")
			if err != nil || !ok || v != "true" {
				t.Fatalf("Get = %q, %v, %v; want last write", v, ok, err)
			}

			if err := s.Delete("notify_exams"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := s.Get("notify_exams"); ok {
				t.Error("key still present after Delete")
			}
		})
	}
}

func TestBoolHelpers(t *testing.T) {
	s := NewMemory()

	if v, err := GetBool(s, "flag", true); err != nil || !v {
		t.Fatalf("absent key: %v, %v", v, err)
	}
	if err := SetBool(s, "flag", false); err != nil {
		t.Fatal(err)
	}
	if v, _ := GetBool(s, "flag", true); v {
		t.Error("expected false")
	}
	_ = s.Set("flag", "garbage")
	if v, _ := GetBool(s, "flag", true); !v {
		t.Error("unparseable value should yield default")
	}
}
