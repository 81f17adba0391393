package handlers

import (
	"testing"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

func outageHandler(t *testing.T, now time.Time) *OutageWindow {
	t.Helper()
	opts := testOptions(t, &fakeRunner{})
	opts.Now = func() time.Time { return now }
	return NewOutageWindow(opts)
}

func TestOutageWindow(t *testing.T) {
	// 2026-10-13 is a Tuesday
	at := func(h, m int) time.Time { return time.Date(2026, 10, 13, h, m, 0, 0, time.UTC) }
	windows := []Window{
		{Weekday: int(time.Monday), OpensAt: 0, ClosesAt: 1440},
		{Weekday: int(time.Tuesday), OpensAt: 60, ClosesAt: 300},
	}

	tests := []struct {
		name    string
		now     time.Time
		reserve int
		wantErr bool
	}{
		{"inside", at(2, 0), 60, false},
		{"reserve exactly left", at(4, 0), 60, false},
		{"not enough reserve", at(4, 30), 60, true},
		{"before opening", at(0, 30), 0, true},
		{"at closing", at(5, 0), 0, true},
		{"other day", time.Date(2026, 10, 15, 2, 0, 0, 0, time.UTC), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := outageHandler(t, tt.now)
			payload := OutageWindowPayload{Windows: windows, ReserveTime: tt.reserve}
			_, err := run(t, h, newJob(t, 101, "in_or_fail", payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("in_or_fail error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !engine.IsCommandFailure(err) {
				t.Errorf("Expected command failure, got %v", err)
			}
		})
	}
}

func TestOutageWindowValidation(t *testing.T) {
	h := outageHandler(t, time.Now())

	bad := OutageWindowPayload{Windows: []Window{{Weekday: 1, OpensAt: 300, ClosesAt: 60}}}
	if _, err := run(t, h, newJob(t, 101, "in_or_fail", bad)); !engine.IsValidation(err) {
		t.Errorf("Expected validation error for inverted window, got %v", err)
	}
	if _, err := run(t, h, newJob(t, 101, "in_or_fail", OutageWindowPayload{})); !engine.IsValidation(err) {
		t.Errorf("Expected validation error without windows, got %v", err)
	}
}
