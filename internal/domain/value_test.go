package domain

import (
	"encoding/json"
	"math"
	"testing"
)

func TestValueEqual(t *testing.T) {
	if !NewInt(5).Equal(NewInt(5)) {
		t.Fatal("equal ints must compare equal")
	}
	if NewInt(5).Equal(NewFloat(5)) {
		t.Fatal("an int and a float of the same magnitude must not compare equal (different Kind)")
	}
	if !Null.Equal(Value{Kind: KindNull}) {
		t.Fatal("two null values must compare equal")
	}
}

func TestValueFloat64(t *testing.T) {
	if f, ok := NewInt(7).Float64(); !ok || f != 7 {
		t.Fatalf("expected (7, true), got (%v, %v)", f, ok)
	}
	if f, ok := NewFloat(7.5).Float64(); !ok || f != 7.5 {
		t.Fatalf("expected (7.5, true), got (%v, %v)", f, ok)
	}
	if _, ok := NewString("x").Float64(); ok {
		t.Fatal("a string value must not report a numeric magnitude")
	}
}

func TestValueMarshalJSON(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Null, "null"},
		{NewBool(true), "true"},
		{NewInt(42), "42"},
		{NewFloat(1.5), "1.5"},
		{NewString("hi"), `"hi"`},
	}
	for _, c := range cases {
		b, err := json.Marshal(c.v)
		if err != nil {
			t.Fatalf("marshal %+v: %v", c.v, err)
		}
		if string(b) != c.want {
			t.Fatalf("marshal %+v: got %s, want %s", c.v, b, c.want)
		}
	}
}

func TestSanitizeReplacesNonFiniteFloats(t *testing.T) {
	if got := Sanitize(NewFloat(math.NaN())); !got.IsNull() {
		t.Fatal("NaN must sanitize to null")
	}
	if got := Sanitize(NewFloat(math.Inf(1))); !got.IsNull() {
		t.Fatal("+Inf must sanitize to null")
	}
	if got := Sanitize(NewFloat(math.Inf(-1))); !got.IsNull() {
		t.Fatal("-Inf must sanitize to null")
	}
	if got := Sanitize(NewFloat(3.14)); got.IsNull() || got.F != 3.14 {
		t.Fatal("a finite float must pass through unchanged")
	}
	if got := Sanitize(NewInt(5)); got.IsNull() || got.I != 5 {
		t.Fatal("a non-float value must pass through unchanged")
	}
}

func TestValueInterface(t *testing.T) {
	if NewBool(true).Interface() != true {
		t.Fatal("bool arm must round-trip through Interface")
	}
	if NewString("x").Interface() != "x" {
		t.Fatal("string arm must round-trip through Interface")
	}
	if Null.Interface() != nil {
		t.Fatal("null arm must return nil from Interface")
	}
}
