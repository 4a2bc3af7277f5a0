package enums

import "testing"

func TestOrderHoldStatusTransitions(t *testing.T) {
	allowed := map[[2]OrderHoldStatus]bool{
		{OrderHoldStatusPending, OrderHoldStatusPaid}:      true,
		{OrderHoldStatusPending, OrderHoldStatusCancelled}: true,
		{OrderHoldStatusPaid, OrderHoldStatusShipped}:      true,
		{OrderHoldStatusShipped, OrderHoldStatusCompleted}: true,
	}

	for _, from := range validOrderHoldStatuses {
		for _, to := range validOrderHoldStatuses {
			want := allowed[[2]OrderHoldStatus{from, to}]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v want %v", from, to, got, want)
			}
		}
	}
}

func TestOrderHoldStatusHoldsStockOnlyWhilePending(t *testing.T) {
	for _, status := range validOrderHoldStatuses {
		if status.HoldsStock() != (status == OrderHoldStatusPending) {
			t.Fatalf("unexpected HoldsStock for %s", status)
		}
	}
	if !OrderHoldStatusCompleted.IsTerminal() || !OrderHoldStatusCancelled.IsTerminal() {
		t.Fatal("completed and cancelled are terminal")
	}
	if OrderHoldStatusPaid.IsTerminal() {
		t.Fatal("paid is not terminal")
	}
}

func TestParseOrderHoldStatus(t *testing.T) {
	got, err := ParseOrderHoldStatus("shipped")
	if err != nil || got != OrderHoldStatusShipped {
		t.Fatalf("unexpected parse result %q %v", got, err)
	}
	if _, err := ParseOrderHoldStatus("PENDING"); err == nil {
		t.Fatal("expected error for unknown value")
	}
}
