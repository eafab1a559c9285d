package tokencount

import (
	"testing"

	gateway "github.com/autogram-ai/autogram/internal"
)

func TestEstimateRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	tests := []struct {
		name    string
		req     gateway.CompletionRequest
		wantMin int
		wantMax int
	}{
		{
			name:    "prompt form",
			req:     gateway.CompletionRequest{Prompt: "Say hi to the world."},
			wantMin: 4,
			wantMax: 8,
		},
		{
			name: "single chat message",
			req: gateway.CompletionRequest{Messages: []gateway.ChatMessage{
				{Role: "user", Content: "hello"},
			}},
			wantMin: 5,
			wantMax: 20,
		},
		{
			name: "multiple chat messages",
			req: gateway.CompletionRequest{Messages: []gateway.ChatMessage{
				{Role: "system", Content: "You are helpful."},
				{Role: "user", Content: "Explain quantum computing."},
			}},
			wantMin: 15,
			wantMax: 40,
		},
		{
			name:    "empty request still costs one",
			req:     gateway.CompletionRequest{},
			wantMin: 1,
			wantMax: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.EstimateRequest(&tt.req)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("EstimateRequest = %d, want in [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCountText(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	if got := c.CountText(""); got != 1 {
		t.Errorf("CountText(empty) = %d, want 1", got)
	}
	// 8 chars -> ceil(8/4) = 2 tokens.
	if got := c.CountText("12345678"); got != 2 {
		t.Errorf("CountText(8 chars) = %d, want 2", got)
	}
	if got := c.CountText("123456789"); got != 3 {
		t.Errorf("CountText(9 chars) = %d, want 3", got)
	}
}
