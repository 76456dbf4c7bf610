package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	fixed := func(v int64) func(int64) int64 {
		return func(int64) int64 { return v }
	}

	tests := []struct {
		name    string
		attempt int
		rnd     func(int64) int64
		want    time.Duration
	}{
		{name: "first retry", attempt: 1, rnd: fixed(0), want: time.Second},
		{name: "second retry", attempt: 2, rnd: fixed(0), want: 2 * time.Second},
		{name: "third retry with jitter", attempt: 3, rnd: fixed(int64(150 * time.Millisecond)), want: 4*time.Second + 150*time.Millisecond},
		{name: "attempt below one", attempt: 0, rnd: fixed(0), want: time.Second},
		{name: "nil rnd", attempt: 2, rnd: nil, want: 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 200*time.Millisecond, tt.rnd))
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	var seen int64
	rnd := func(n int64) int64 {
		seen = n
		return n - 1
	}
	got := Backoff(1, time.Second, 200*time.Millisecond, rnd)
	assert.Equal(t, int64(200*time.Millisecond), seen)
	assert.Less(t, got, time.Second+200*time.Millisecond)
	assert.GreaterOrEqual(t, got, time.Second)
}
