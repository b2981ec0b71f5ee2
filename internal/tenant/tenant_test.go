package tenant

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDefaultsPort(t *testing.T) {
	tn := Tenant{ID: "t1", Name: "Lucky", DB: ConnInfo{Host: "db", Name: "casino"}}
	if err := tn.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tn.DB.Port != DefaultPort {
		t.Fatalf("port=%d", tn.DB.Port)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tn := Tenant{ID: "t2", DB: ConnInfo{Port: 3307}}
	err := tn.Validate()
	if !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant, got %v", err)
	}
	for _, f := range []string{"name", "db_host", "db_name"} {
		if !strings.Contains(err.Error(), f) {
			t.Fatalf("error should mention %s: %v", f, err)
		}
	}

	bad := Tenant{ID: "t3", Name: "x", DB: ConnInfo{Host: "h", Name: "n", Port: 70000}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("expected port error, got %v", err)
	}
}

func TestUsableSplitsInvalidTenants(t *testing.T) {
	ok, bad := Usable([]Tenant{
		{ID: "t1", Name: "A", DB: ConnInfo{Host: "h", Name: "db"}},
		{ID: "t2", Name: "B"},
		{ID: "t3", Name: "C", DB: ConnInfo{Host: "h", Name: "db", Port: 3310}},
	})
	if len(ok) != 2 || ok[0].ID != "t1" || ok[1].ID != "t3" {
		t.Fatalf("ok=%+v", ok)
	}
	if ok[0].DB.Port != DefaultPort || ok[1].DB.Port != 3310 {
		t.Fatalf("ports=%d,%d", ok[0].DB.Port, ok[1].DB.Port)
	}
	if len(bad) != 1 || !errors.Is(bad[0], ErrInvalidTenant) {
		t.Fatalf("bad=%v", bad)
	}
}
