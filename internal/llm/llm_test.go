package llm

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/fault"
)

func TestPricing_Cost(t *testing.T) {
	p := Pricing{
		"small":   {PromptPer1K: 150, CompletionPer1K: 600},
		"huge":    {PromptPer1K: math.MaxInt64 / 2, CompletionPer1K: math.MaxInt64 / 2},
		"default": {PromptPer1K: 1000, CompletionPer1K: 1000},
	}
	tests := []struct {
		name             string
		model            string
		prompt, complete int64
		want             int64
		wantErr          bool
	}{
		{"exact thousand", "small", 1000, 1000, 750, false},
		{"rounds up", "small", 1, 0, 1, false},
		{"zero tokens", "small", 0, 0, 0, false},
		{"falls back to default", "unknown", 500, 500, 1000, false},
		{"large but representable", "huge", 1000, 0, math.MaxInt64 / 2, false},
		{"product overflows int64", "huge", 1_000_000, 1_000_000, 0, true},
		{"intermediate beyond int64", "default", math.MaxInt64 / 1000, math.MaxInt64 / 1000, 2 * (math.MaxInt64 / 1000), false},
		{"negative tokens", "small", -5, 10, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Cost(tt.model, tt.prompt, tt.complete)
			if tt.wantErr {
				if !fault.Is(err, fault.Validation) {
					t.Fatalf("Cost() err = %v, want validation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Cost: %v", err)
			}
			if got != tt.want {
				t.Errorf("Cost() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPricing_NoDefault(t *testing.T) {
	p := Pricing{"small": config.ModelPrice{PromptPer1K: 1}}
	if got, err := p.Cost("other", 1000, 1000); err != nil || got != 0 {
		t.Errorf("Cost(unpriced) = %d, %v, want 0", got, err)
	}
}

func TestEchoInvoker(t *testing.T) {
	m := NewEchoInvoker()
	c, err := m.Invoke(context.Background(), "m", "hello there world")
	if err != nil {
		t.Fatal(err)
	}
	if c.Text != "Echo: hello there world" {
		t.Errorf("Text = %q", c.Text)
	}
	if c.PromptTokens != 3 || c.CompletionTokens != 3 || c.TotalTokens() != 6 {
		t.Errorf("tokens = %d/%d", c.PromptTokens, c.CompletionTokens)
	}
	if m.CallCount() != 1 || m.Calls()[0].Model != "m" {
		t.Errorf("Calls = %+v", m.Calls())
	}
}

func TestScriptedInvoker_RepeatsLast(t *testing.T) {
	boom := errors.New("boom")
	m := NewScriptedInvoker(
		MockReply{Err: boom},
		MockReply{Completion: Completion{Text: "ok", PromptTokens: 5}},
	)
	if _, err := m.Invoke(context.Background(), "m", "p"); !errors.Is(err, boom) {
		t.Errorf("first call error = %v, want boom", err)
	}
	for i := 0; i < 2; i++ {
		c, err := m.Invoke(context.Background(), "m", "p")
		if err != nil || c.Text != "ok" {
			t.Errorf("call %d = %+v, %v", i+2, c, err)
		}
	}
}

func TestErrorInvoker(t *testing.T) {
	m := NewErrorInvoker(nil)
	if _, err := m.Invoke(context.Background(), "m", "p"); err == nil {
		t.Error("expected error")
	}
}

func TestInvoker_DelayHonorsDeadline(t *testing.T) {
	m := NewFixedInvoker(Completion{Text: "late"}).WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Invoke(ctx, "m", "p")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestMockInvoker_Concurrent(t *testing.T) {
	m := NewEchoInvoker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Invoke(context.Background(), "m", "x")
		}()
	}
	wg.Wait()
	if m.CallCount() != 20 {
		t.Errorf("CallCount = %d, want 20", m.CallCount())
	}
}

func TestInvokerFunc(t *testing.T) {
	var inv Invoker = InvokerFunc(func(ctx context.Context, model, prompt string) (Completion, error) {
		return Completion{Text: model + ":" + prompt}, nil
	})
	c, _ := inv.Invoke(context.Background(), "a", "b")
	if c.Text != "a:b" {
		t.Errorf("Text = %q", c.Text)
	}
}
