package domain

import "testing"

// Pins the mailable status set. The subscribers table default and the
// executor's mid-sequence exit check both lean on this.
func TestCanReceiveEmail(t *testing.T) {
	tests := []struct {
		status SubscriberStatus
		want   bool
	}{
		{SubscriberConfirmed, true},
		{SubscriberUnconfirmed, true},
		{SubscriberUnsubscribed, false},
		{SubscriberBounced, false},
		{"active", false},
		{"", false},
	}
	for _, tt := range tests {
		s := &Subscriber{Status: tt.status}
		if got := s.CanReceiveEmail(); got != tt.want {
			t.Errorf("CanReceiveEmail(status=%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
