package videnc

import "testing"

func TestDurationRTPUnitsMatchesTargetFPS(t *testing.T) {
	if DurationRTPUnits != clockRate/targetFPS {
		t.Fatalf("DurationRTPUnits = %d, want %d", DurationRTPUnits, clockRate/targetFPS)
	}
	if DurationRTPUnits != 9000 {
		t.Fatalf("DurationRTPUnits = %d, want 9000 per the documented 90kHz/10fps cadence", DurationRTPUnits)
	}
}
