package template

import "testing"

func TestExpandSubstitutesAllTokens(t *testing.T) {
	vars := VarsFromPath("src", "sub/a.c")
	got, err := Expand("{Repo}:{Dir}/{Stem}.o {Ext} {Path}", vars)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if want := "src:sub/a.o .c sub/a.c"; got != want {
		t.Fatalf("Expand = %q, want %q", got, want)
	}
}

func TestExpandTopLevelFile(t *testing.T) {
	vars := VarsFromPath("src", "a.c")
	got, err := Expand("{Dir}/{Stem}.o", vars)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if want := "/a.o"; got != want {
		t.Fatalf("Expand = %q, want %q", got, want)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	if err := Validate("{Bogus}/x"); err == nil {
		t.Fatalf("expected error for unknown token")
	}
}

func TestValidateRejectsUnterminatedToken(t *testing.T) {
	if err := Validate("{Stem"); err == nil {
		t.Fatalf("expected error for unterminated token")
	}
}

func TestValidateAcceptsAllKnownTokens(t *testing.T) {
	if err := Validate("{Repo}/{Dir}/{Stem}{Ext} {Path}"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
