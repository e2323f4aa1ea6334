package coordinator

import (
	"testing"
	"time"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		raw        string
		wantCount  int
		wantWindow time.Duration
		wantErr    bool
	}{
		{"60/min", 60, time.Minute, false},
		{"1000/hour", 1000, time.Hour, false},
		{"10/sec", 10, time.Second, false},
		{"3/60", 3, 60 * time.Second, false},
		{"garbage", 0, 0, true},
		{"10/fortnight", 0, 0, true},
		{"-1/sec", 0, 0, true},
		{"5/0", 0, 0, true},
	}

	for _, tc := range cases {
		count, window, err := parseRate(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseRate(%q): expected error, got none", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRate(%q): unexpected error: %v", tc.raw, err)
			continue
		}
		if count != tc.wantCount || window != tc.wantWindow {
			t.Errorf("parseRate(%q) = (%d, %v), want (%d, %v)", tc.raw, count, window, tc.wantCount, tc.wantWindow)
		}
	}
}
