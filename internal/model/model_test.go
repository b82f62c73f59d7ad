package model

import "testing"

func TestEffectiveIntervalFallsBackToDefault(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rec  ProxyRecord
		want int
	}{
		{"unset", ProxyRecord{}, DefaultUsageIntervalSeconds},
		{"zero", ProxyRecord{UsageIntervalSeconds: 0}, DefaultUsageIntervalSeconds},
		{"negative", ProxyRecord{UsageIntervalSeconds: -5}, DefaultUsageIntervalSeconds},
		{"explicit", ProxyRecord{UsageIntervalSeconds: 90}, 90},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.rec.EffectiveInterval(); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestPriorityBandFloorsToWidthTen(t *testing.T) {
	t.Parallel()

	cases := map[int]int{
		0:   0,
		5:   0,
		10:  10,
		97:  90,
		100: 100,
	}

	for priority, want := range cases {
		if got := PriorityBand(priority); got != want {
			t.Fatalf("PriorityBand(%d): expected %d, got %d", priority, want, got)
		}
	}
}
