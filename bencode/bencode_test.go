package bencode

import (
	"bytes"
	"testing"
)

func TestRoundTripBytesToValue(t *testing.T) {
	cases := [][]byte{
		[]byte("i3e"),
		[]byte("i-3e"),
		[]byte("i0e"),
		[]byte("le"),
		[]byte("l4:spam4:eggse"),
		[]byte("d3:cow3:moo4:spam4:eggse"),
		[]byte("d4:spaml1:a1:bee"),
	}
	for _, raw := range cases {
		v, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%q): %v", raw, err)
		}
		got := Encode(v)
		if !bytes.Equal(got, raw) {
			t.Errorf("round trip mismatch: %q -> %q", raw, got)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{"", "ie", "dde", "2:abc", "s"}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("Decode(%q) = nil error, want ParseError", raw)
		}
	}
}

func TestRawValue(t *testing.T) {
	data := []byte("d3:cow3:moo4:spam4:eggse")
	got, err := RawValue(data, []byte("spam"))
	if err != nil {
		t.Fatalf("RawValue: %v", err)
	}
	if string(got) != "4:eggs" {
		t.Errorf("RawValue = %q, want %q", got, "4:eggs")
	}
}

func TestRawValueMissingKey(t *testing.T) {
	data := []byte("d3:cow3:mooe")
	if _, err := RawValue(data, []byte("spam")); err == nil {
		t.Error("RawValue with missing key: want error")
	}
}

func TestDictEncodesKeysInLexicographicOrder(t *testing.T) {
	d := NewDict()
	d.Set("spam", String([]byte("eggs")))
	d.Set("cow", String([]byte("moo")))
	got := Encode(FromDict(d))
	want := "d3:cow3:moo4:spam4:eggse"
	if string(got) != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}
}

func TestDecodeLeadingZeroInteger(t *testing.T) {
	v, err := Decode([]byte("i03e"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.Int != 3 {
		t.Errorf("Int = %d, want 3", v.Int)
	}
}
