package utils

import (
	"math"
	"testing"
)

func TestBase62_RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 61, 62, 3843, 1 << 40, math.MaxInt64, math.MaxUint64}
	for _, v := range values {
		s := Base62Encode(v, 6)
		if len(s) < 6 {
			t.Fatalf("%d encoded to %q, shorter than 6", v, s)
		}
		got, err := Base62Decode(s)
		if err != nil {
			t.Fatal("failed on decode.", err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: %d -> %q -> %d", v, s, got)
		}
	}
}

func TestBase62_Padding(t *testing.T) {
	if s := Base62Encode(0, 6); s != "000000" {
		t.Fatalf("expected 000000, got %q", s)
	}
	if s := Base62Encode(61, 6); s != "00000z" {
		t.Fatalf("expected 00000z, got %q", s)
	}
	if s := Base62Encode(62, 1); s != "10" {
		t.Fatalf("expected 10, got %q", s)
	}
}

func TestBase62_Invalid(t *testing.T) {
	if _, err := Base62Decode(""); err == nil {
		t.Fatal("empty string should fail")
	}
	if _, err := Base62Decode("ab-c"); err == nil {
		t.Fatal("'-' is not a base62 symbol")
	}
	if _, err := Base62Decode("zzzzzzzzzzzzz"); err == nil {
		t.Fatal("should overflow")
	}
	if IsBase62("9+") {
		t.Fatal("'+' is not a base62 symbol")
	}
	if !IsBase62("Ab3x9K") {
		t.Fatal("Ab3x9K is base62")
	}
}

func TestCryptoRandomString(t *testing.T) {
	s, err := CryptoRandomString(16)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 16 || !IsBase62(s) {
		t.Fatalf("unexpected token %q", s)
	}
	if s2, _ := CryptoRandomString(16); s2 == s {
		t.Fatal("tokens should differ")
	}
}
