package types

import (
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		unit    TimeframeUnit
		n       int
		wantErr bool
	}{
		{"1s", UnitSeconds, 1, false},
		{"30s", UnitSeconds, 30, false},
		{"1", UnitMinutes, 1, false},
		{"5", UnitMinutes, 5, false},
		{"720", UnitMinutes, 720, false},
		{"D", UnitDay, 0, false},
		{"W", UnitWeek, 0, false},
		{"M", UnitMonth, 0, false},
		{"2", 0, 0, true},
		{"45s", 0, 0, true},
		{"1m", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		tf, err := ParseTimeframe(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTimeframe(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeframe(%q): %v", tt.raw, err)
			continue
		}
		if tf.Unit != tt.unit || tf.N != tt.n {
			t.Errorf("ParseTimeframe(%q) = {%v %d}, want {%v %d}", tt.raw, tf.Unit, tf.N, tt.unit, tt.n)
		}
		if tf.String() != tt.raw {
			t.Errorf("String() = %q, want %q", tf.String(), tt.raw)
		}
	}
}

func TestTimeframePollingAndDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		polling bool
		seconds int64
	}{
		{"5s", true, 5},
		{"1", false, 60},
		{"240", false, 14400},
		{"D", false, 86400},
		{"W", false, 604800},
		{"M", false, 2592000},
	}
	for _, tt := range tests {
		tf, err := ParseTimeframe(tt.raw)
		if err != nil {
			t.Fatalf("ParseTimeframe(%q): %v", tt.raw, err)
		}
		if tf.IsPolling() != tt.polling {
			t.Errorf("%q: IsPolling() = %v, want %v", tt.raw, tf.IsPolling(), tt.polling)
		}
		if tf.Seconds() != tt.seconds {
			t.Errorf("%q: Seconds() = %d, want %d", tt.raw, tf.Seconds(), tt.seconds)
		}
		if tf.Duration() != time.Duration(tt.seconds)*time.Second {
			t.Errorf("%q: Duration() = %v", tt.raw, tf.Duration())
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Buy.Opposite() != Sell {
		t.Error("Buy.Opposite() != Sell")
	}
	if Sell.Opposite() != Buy {
		t.Error("Sell.Opposite() != Buy")
	}
}
