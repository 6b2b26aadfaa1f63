package parallel

import (
	"sync/atomic"
	"testing"
)

func TestForEachVisitsEveryIndexOnce(t *testing.T) {
	tests := []struct {
		length, limit int
	}{
		{0, 4},
		{1, 0},
		{10, 1},
		{100, 8},
	}
	for _, tt := range tests {
		visits := make([]int32, tt.length)
		ForEach(tt.length, tt.limit, func(i int) {
			atomic.AddInt32(&visits[i], 1)
		})
		for i, v := range visits {
			if v != 1 {
				t.Errorf("length=%d limit=%d: index %d visited %d times", tt.length, tt.limit, i, v)
			}
		}
	}
}

func TestForEachRespectsLimit(t *testing.T) {
	var running, peak int32
	ForEach(50, 3, func(int) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&running, -1)
	})
	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds limit 3", peak)
	}
}
