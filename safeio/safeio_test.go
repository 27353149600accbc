package safeio

import (
	"errors"
	"strings"
	"testing"
)

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestValidateIndexName(t *testing.T) {
	ok := []string{"test_index", "sensors-20240101", "a.b", "x"}
	for _, s := range ok {
		if err := ValidateIndexName(s); err != nil {
			t.Errorf("%q: unexpected error %v", s, err)
		}
	}
	bad := []string{"", ".", "..", "_x", "-x", "+x", "Upper", "a/b", "a b", "a,b", "a#b", "a:b", strings.Repeat("a", 256)}
	for _, s := range bad {
		if err := ValidateIndexName(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("esd"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"", "a b", "a/b", "é"} {
		if err := ValidateIdentifier(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestValidateHost(t *testing.T) {
	for _, s := range []string{"localhost", "10.0.0.5", "es.example.org", "[::1]"} {
		if err := ValidateHost(s); err != nil {
			t.Errorf("%q: unexpected error %v", s, err)
		}
	}
	for _, s := range []string{"", "http://x", "x/y", "user@x", "x y"} {
		if err := ValidateHost(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}
