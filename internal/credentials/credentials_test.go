package credentials

import (
	"runtime"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("chmod semantics differ on windows")
	}
	s := NewStore(t.TempDir(), nil)
	c := Credentials{Username: "alice", Password: "s3cret"}
	if err := s.Save(ScopeNotebook, "nb1", c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Load(ScopeNotebook, "nb1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok || got != c {
		t.Fatalf("expected %+v, got %+v (ok=%v)", c, got, ok)
	}
}

func TestLoadMissingReturnsNotOK(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	_, ok, err := s.Load(ScopeLibrary, "missing")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing credentials")
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	_ = s.Save(ScopeNotebook, "nb1", Credentials{Username: "u", Password: "p"})
	if err := s.Delete(ScopeNotebook, "nb1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ := s.Load(ScopeNotebook, "nb1")
	if ok {
		t.Fatalf("expected credentials to be gone after Delete")
	}
}
