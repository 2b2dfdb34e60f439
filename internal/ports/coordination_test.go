package ports

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseInterval(t *testing.T) {
	floor := 50 * time.Millisecond

	tests := []struct {
		name  string
		lease Lease
		want  time.Duration
	}{
		{"explicit", Lease{TTL: 3 * time.Second, RenewInterval: time.Second}, time.Second},
		{"zero renews at a third", Lease{TTL: 3 * time.Second}, time.Second},
		{"not below ttl", Lease{TTL: time.Second, RenewInterval: 2 * time.Second}, time.Second / 3},
		{"floor", Lease{TTL: 60 * time.Millisecond, RenewInterval: time.Millisecond}, floor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lease.Interval(floor))
		})
	}
}
