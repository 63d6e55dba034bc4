package id

import (
	"testing"
)

func TestNewDeterministic(t *testing.T) {
	a := New(Directory, []byte("payload"))
	b := New(Directory, []byte("payload"))
	if a != b {
		t.Fatalf("same kind and data produced different ids: %s vs %s", a, b)
	}
	c := New(File, []byte("payload"))
	if a == c {
		t.Fatalf("different kinds produced equal ids")
	}
	d := New(Directory, []byte("other"))
	if a == d {
		t.Fatalf("different data produced equal ids")
	}
}

func TestKind(t *testing.T) {
	i := New(Template, []byte("x"))
	if i.Kind() != Template {
		t.Fatalf("kind = %v, want template", i.Kind())
	}
}

func TestStringRoundTrip(t *testing.T) {
	i := New(Symlink, []byte("target"))
	s := i.String()
	if len(s) != 64 {
		t.Fatalf("string length = %d, want 64", len(s))
	}
	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != i {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, i)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := Parse("abc"); err == nil {
		t.Fatal("expected error for short input")
	}
	if _, err := Parse("zz" + New(Null, nil).String()[2:]); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	// Kind byte 0xff is not a known kind.
	bad := "ff" + New(Null, nil).String()[2:]
	if _, err := Parse(bad); err == nil {
		t.Fatal("expected error for invalid kind byte")
	}
}

func TestNewRandomDistinct(t *testing.T) {
	a := NewRandom(Run)
	b := NewRandom(Run)
	if a == b {
		t.Fatal("two random run ids collided")
	}
	if a.Kind() != Run {
		t.Fatalf("kind = %v, want run", a.Kind())
	}
}
