// Package llm defines the model-call contract the engine meters and audits.
// Transport to a real model provider lives outside this module.
package llm

import (
	"context"
	"math/big"
	"time"

	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/fault"
)

// Completion is the result of one model invocation.
type Completion struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	Latency          time.Duration
}

// TotalTokens is the token count charged against an employee's salary budget.
func (c Completion) TotalTokens() int64 {
	return c.PromptTokens + c.CompletionTokens
}

// Invoker sends a prompt to a model. Implementations must honor ctx
// cancellation and deadlines.
type Invoker interface {
	Invoke(ctx context.Context, modelID, prompt string) (Completion, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, modelID, prompt string) (Completion, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, modelID, prompt string) (Completion, error) {
	return f(ctx, modelID, prompt)
}

// Pricing maps model IDs to per-1K-token prices in micro-credits. The entry
// named "default" prices models without their own entry.
type Pricing map[string]config.ModelPrice

// Cost returns the micro-credit cost of a call, rounded up to the next unit.
// Negative token counts and costs beyond int64 are a fault.Validation.
func (p Pricing) Cost(modelID string, promptTokens, completionTokens int64) (int64, error) {
	const op = "llm: price call"
	if promptTokens < 0 || completionTokens < 0 {
		return 0, fault.New(fault.Validation, op, "%s: negative token count %d/%d", modelID, promptTokens, completionTokens)
	}
	price, ok := p[modelID]
	if !ok {
		price, ok = p["default"]
		if !ok {
			return 0, nil
		}
	}
	milli := new(big.Int).Mul(big.NewInt(promptTokens), big.NewInt(price.PromptPer1K))
	milli.Add(milli, new(big.Int).Mul(big.NewInt(completionTokens), big.NewInt(price.CompletionPer1K)))
	if milli.Sign() <= 0 {
		return 0, nil
	}
	cost := milli.Add(milli, big.NewInt(999)).Quo(milli, big.NewInt(1000))
	if !cost.IsInt64() {
		return 0, fault.New(fault.Validation, op, "%s: cost of %d+%d tokens overflows", modelID, promptTokens, completionTokens)
	}
	return cost.Int64(), nil
}
