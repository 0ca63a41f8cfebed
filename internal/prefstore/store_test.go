package prefstore

import (
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := Prefs{Lang: "ru", Token: "secret"}
	if err := s.Set(42, want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(42)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != want {
		t.Fatalf("Get() = %+v, want %+v", got, want)
	}
}

func TestSetOverwritesExisting(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set(1, Prefs{Lang: "en", Token: "old"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(1, Prefs{Lang: "de", Token: "new"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Lang != "de" || got.Token != "new" {
		t.Fatalf("Get() = %+v after overwrite", got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Get(999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set(7, Prefs{Lang: "fr"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Delete(7); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() of missing row error = %v, want ErrNotFound", err)
	}
}

func TestCopySharesPrefsWithAnotherKey(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set(10, Prefs{Lang: "uk", Token: "tok"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Copy(10, -2000); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	got, err := s.Get(-2000)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Token != "tok" {
		t.Fatalf("copied token = %q, want %q", got.Token, "tok")
	}

	if err := s.Copy(123456, -2000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Copy() from missing key error = %v, want ErrNotFound", err)
	}
}
