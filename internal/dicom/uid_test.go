package dicom

import (
	"strings"
	"testing"
)

func TestUIDHasher_Deterministic(t *testing.T) {
	a := NewUIDHasher("salt-1").Hash("1.2.3.4")
	b := NewUIDHasher("salt-1").Hash("1.2.3.4")
	if a != b {
		t.Errorf("same salt and input must hash identically: %s vs %s", a, b)
	}
}

func TestUIDHasher_SaltAndInputVary(t *testing.T) {
	h := NewUIDHasher("salt-1")
	if h.Hash("1.2.3.4") == h.Hash("1.2.3.5") {
		t.Error("different inputs must produce different UIDs")
	}
	other := NewUIDHasher("salt-2")
	if h.Hash("1.2.3.4") == other.Hash("1.2.3.4") {
		t.Error("different salts must produce different UIDs")
	}
}

func TestUIDHasher_Shape(t *testing.T) {
	uid := NewUIDHasher("s").Hash("1.2.840.10008.1.1")
	if !strings.HasPrefix(uid, "2.25.") {
		t.Errorf("expected 2.25. prefix, got %s", uid)
	}
	if len(uid) > 64 {
		t.Errorf("UID exceeds 64 characters: %d", len(uid))
	}
	for _, c := range uid[5:] {
		if c < '0' || c > '9' {
			t.Errorf("non-digit %q in UID suffix %s", c, uid)
		}
	}
}

func TestSanitizeUID(t *testing.T) {
	cases := map[string]string{
		"1.2.3.4":        "1.2.3.4",
		"1.2.3^4 бad":    "1.2.3_4___ad", // multi-byte runes sanitize per byte
		"UNKNOWN_STUDY":  "UNKNOWN_STUDY",
		"a/b\\c:d":       "a_b_c_d",
		"uid-with-dash.": "uid-with-dash.",
	}
	for in, want := range cases {
		if got := SanitizeUID(in); got != want {
			t.Errorf("SanitizeUID(%q) = %q, want %q", in, got, want)
		}
	}
}
