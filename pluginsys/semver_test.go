package pluginsys

import "testing"

func TestParseVersion_Invalid(t *testing.T) {
	if _, err := ParseVersion("not-a-version"); err == nil {
		t.Fatalf("expected error for invalid semver")
	}
}

func TestCompare_EqualIsZero(t *testing.T) {
	inputs := []string{"1.0.0", "0.0.0", "2.3.4-beta.1", "9.9.9+build.7"}
	for _, in := range inputs {
		v, err := ParseVersion(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got := Compare(v, v); got != 0 {
			t.Fatalf("Compare(%s, %s) = %d, want 0", in, in, got)
		}
	}
}

func TestCompare_NoPrereleaseRanksAbove(t *testing.T) {
	release, _ := ParseVersion("1.0.0")
	pre, _ := ParseVersion("1.0.0-alpha")
	if got := Compare(release, pre); got != 1 {
		t.Fatalf("Compare(release, pre) = %d, want 1", got)
	}
	if got := Compare(pre, release); got != -1 {
		t.Fatalf("Compare(pre, release) = %d, want -1", got)
	}
}

func TestSatisfies_CaretSameVersion(t *testing.T) {
	v, _ := ParseVersion("1.2.3")
	ok, err := Satisfies(v, "^1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected v satisfies ^v")
	}
}

func TestSatisfies_CaretRejectsNextMajor(t *testing.T) {
	v, _ := ParseVersion("2.0.0")
	ok, err := Satisfies(v, "^1.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected 2.0.0 to not satisfy ^1.0.0")
	}
}

func TestSatisfies_Tilde(t *testing.T) {
	v, _ := ParseVersion("1.2.9")
	ok, err := Satisfies(v, "~1.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected 1.2.9 satisfies ~1.2.0")
	}

	v2, _ := ParseVersion("1.3.0")
	ok2, err := Satisfies(v2, "~1.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok2 {
		t.Fatalf("expected 1.3.0 to not satisfy ~1.2.0")
	}
}

func TestSatisfies_Comparisons(t *testing.T) {
	v, _ := ParseVersion("1.5.0")
	cases := map[string]bool{
		">=1.0.0": true,
		">=2.0.0": false,
		">1.5.0":  false,
		"<=1.5.0": true,
		"<1.5.0":  false,
		"*":       true,
		"1.5.0":   true,
		"1.5.1":   false,
	}
	for rng, want := range cases {
		got, err := Satisfies(v, rng)
		if err != nil {
			t.Fatalf("Satisfies(%v, %q): %v", v, rng, err)
		}
		if got != want {
			t.Fatalf("Satisfies(%v, %q) = %v, want %v", v, rng, got, want)
		}
	}
}

func TestSatisfies_UnsupportedOperator(t *testing.T) {
	v, _ := ParseVersion("1.0.0")
	if _, err := Satisfies(v, "=1.0.0 || =2.0.0"); err == nil {
		t.Fatalf("expected InvalidRangeError for unsupported operator")
	}
}
