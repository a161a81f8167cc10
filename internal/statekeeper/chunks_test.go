package statekeeper

import "testing"

func TestSelectSizeClassPicksSmallestFit(t *testing.T) {
	sizes := []uint32{10, 32, 72, 156, 322, 654}
	cases := []struct {
		used uint32
		want uint32
	}{
		{used: 3, want: 10},
		{used: 10, want: 10},
		{used: 11, want: 32},
		{used: 700, want: 654}, // exceeds largest, clamps to ceiling
	}
	for _, c := range cases {
		if got := selectSizeClass(sizes, c.used); got != c.want {
			t.Fatalf("selectSizeClass(%d) = %d, want %d", c.used, got, c.want)
		}
	}
}

// TestS6SizeClassPadding covers spec scenario S6: 3 ops fit size class
// 10 with the remainder as padding.
func TestS6SizeClassPadding(t *testing.T) {
	sizes := []uint32{10, 32, 72, 156, 322, 654}
	used := uint32(3 * 2) // 3 transfers at 2 chunks each
	if got := selectSizeClass(sizes, used); got != 10 {
		t.Fatalf("expected size class 10, got %d", got)
	}
}
