package flow

import (
	"errors"
	"testing"
)

func TestGetOrComputeMemoizes(t *testing.T) {
	ec := NewExecContext()
	calls := 0
	compute := func() (any, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := ec.GetOrCompute("answer", compute)
		if err != nil {
			t.Fatalf("GetOrCompute failed: %v", err)
		}
		if v != 42 {
			t.Errorf("expected 42, got %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("expected exactly one computation, got %d", calls)
	}
}

func TestGetOrComputeDoesNotCacheFailures(t *testing.T) {
	ec := NewExecContext()
	calls := 0
	fn := func() (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}

	if _, err := ec.GetOrCompute("k", fn); err == nil {
		t.Fatal("expected first computation to fail")
	}
	v, err := ec.GetOrCompute("k", fn)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if v != "ok" {
		t.Errorf("expected retried value, got %v", v)
	}
}

func TestSetHasClear(t *testing.T) {
	ec := NewExecContext()
	ec.Set("k", "v")
	if !ec.Has("k") {
		t.Error("expected Has after Set")
	}
	ec.Clear()
	if ec.Has("k") {
		t.Error("expected Clear to discard cached values")
	}
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	a := NewExecContext()
	b := NewExecContext()
	if a.CorrelationID == "" || a.CorrelationID == b.CorrelationID {
		t.Errorf("expected distinct correlation ids, got %q and %q", a.CorrelationID, b.CorrelationID)
	}
}
