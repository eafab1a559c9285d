package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("upstream status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestIsFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"500", statusErr(500), true},
		{"502", statusErr(502), true},
		{"504", statusErr(504), true},
		{"400", statusErr(400), false},
		{"404", statusErr(404), false},
		{"429", statusErr(429), false},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"generic", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsFailure(tt.err); got != tt.want {
				t.Errorf("IsFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
