package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAndString(t *testing.T) {
	cases := map[string]Cents{
		"100.00": 10000,
		"0.01":   1,
		"12.345": 1235,
		"-3.5":   -350,
		"7":      700,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q)=%d, want %d", in, got, want)
		}
	}
	if _, err := Parse("abc"); err == nil {
		t.Fatal("expected error for garbage input")
	}
	if s := Cents(1005).String(); s != "10.05" {
		t.Fatalf("String()=%q", s)
	}
}

func TestPercent(t *testing.T) {
	cases := []struct {
		amount  Cents
		percent string
		want    Cents
	}{
		{10000, "10", 1000},
		{5000, "12.5", 625},
		{333, "10", 33},
		{335, "10", 34},
		{10000, "0", 0},
		{12345, "7.25", 895},
	}
	for _, tc := range cases {
		got := tc.amount.Percent(decimal.RequireFromString(tc.percent))
		if got != tc.want {
			t.Fatalf("%d * %s%% = %d, want %d", tc.amount, tc.percent, got, tc.want)
		}
	}
}

func TestWithin(t *testing.T) {
	if !Cents(1000).Within(1001, Tolerance) {
		t.Fatal("1 cent apart must be within tolerance")
	}
	if Cents(1000).Within(1002, Tolerance) {
		t.Fatal("2 cents apart must not be within tolerance")
	}
	if !Cents(-5).Within(-4, Tolerance) {
		t.Fatal("negative amounts compare by absolute difference")
	}
}

func TestJSON(t *testing.T) {
	var payload struct {
		Amount Cents `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`{"amount":"49.99"}`), &payload); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if payload.Amount != 4999 {
		t.Fatalf("amount=%d", payload.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount":12.5}`), &payload); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if payload.Amount != 1250 {
		t.Fatalf("amount=%d", payload.Amount)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"amount":12.50}` {
		t.Fatalf("marshal=%s", out)
	}
}

func TestScan(t *testing.T) {
	var c Cents
	for _, src := range []any{"10.10", []byte("10.10"), 10.1} {
		if err := c.Scan(src); err != nil {
			t.Fatalf("Scan(%v): %v", src, err)
		}
		if c != 1010 {
			t.Fatalf("Scan(%v)=%d", src, c)
		}
	}
}
