package delivery

import (
	"testing"
	"time"
)

func TestNextRetryDelay(t *testing.T) {
	cases := []struct {
		retryCount int
		wantDelay  time.Duration
		wantOK     bool
	}{
		{1, 30 * time.Minute, true},
		{2, 2 * time.Hour, true},
		{3, 12 * time.Hour, true},
		{4, 24 * time.Hour, true},
		{5, 0, false},
		{6, 0, false},
	}

	for _, tc := range cases {
		delay, ok := nextRetryDelay(tc.retryCount, 5)
		if ok != tc.wantOK || delay != tc.wantDelay {
			t.Errorf("nextRetryDelay(%d) = (%v, %v), want (%v, %v)",
				tc.retryCount, delay, ok, tc.wantDelay, tc.wantOK)
		}
	}
}

func TestNextRetryDelayRespectsMaxRetries(t *testing.T) {
	if _, ok := nextRetryDelay(3, 3); ok {
		t.Error("retry count at max should exhaust the schedule")
	}
	if _, ok := nextRetryDelay(2, 3); !ok {
		t.Error("retry count below max should still schedule")
	}
}

func TestInlineDelays(t *testing.T) {
	want := [maxInlineAttempts]time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	if inlineDelays != want {
		t.Errorf("inline delays = %v, want %v", inlineDelays, want)
	}
}
