package order

import "testing"

func TestStateClassification(t *testing.T) {
	open := []State{StatePendingCreate, StateOpen, StatePartiallyFilled, StatePendingCancel}
	for _, s := range open {
		if !s.IsOpen() || s.IsDone() {
			t.Fatalf("%s should be open", s)
		}
	}
	done := []State{StateFilled, StateCanceled, StateFailed}
	for _, s := range done {
		if s.IsOpen() || !s.IsDone() {
			t.Fatalf("%s should be done", s)
		}
	}
	if State("BOGUS").Valid() {
		t.Fatalf("unknown state must not be valid")
	}
}

func TestOrderTypeIsLimitType(t *testing.T) {
	if !Limit.IsLimitType() || !LimitMaker.IsLimitType() || Market.IsLimitType() {
		t.Fatalf("unexpected limit classification")
	}
}
