package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MockMode defines the operation mode of a MockInvoker.
type MockMode int

const (
	// MockModeEcho returns the prompt, prefixed with "Echo: ".
	MockModeEcho MockMode = iota

	// MockModeFixed always returns the same completion.
	MockModeFixed

	// MockModeScripted plays back a fixed list of replies, then repeats the last.
	MockModeScripted

	// MockModeError always returns an error.
	MockModeError
)

// MockReply is one scripted result: a completion or an error.
type MockReply struct {
	Completion Completion
	Err        error
}

// MockCall records one invocation seen by a MockInvoker.
type MockCall struct {
	Model  string
	Prompt string
}

// MockInvoker is a scriptable Invoker for tests and offline runs. It is safe
// for concurrent use.
type MockInvoker struct {
	mu      sync.Mutex
	mode    MockMode
	replies []MockReply
	next    int
	delay   time.Duration
	err     error
	calls   []MockCall
}

// NewEchoInvoker returns a mock that echoes prompts and reports one token per
// word on each side.
func NewEchoInvoker() *MockInvoker {
	return &MockInvoker{mode: MockModeEcho}
}

// NewFixedInvoker returns a mock that always answers with c.
func NewFixedInvoker(c Completion) *MockInvoker {
	return &MockInvoker{mode: MockModeFixed, replies: []MockReply{{Completion: c}}}
}

// NewScriptedInvoker returns a mock that plays replies back in order.
func NewScriptedInvoker(replies ...MockReply) *MockInvoker {
	return &MockInvoker{mode: MockModeScripted, replies: replies}
}

// NewErrorInvoker returns a mock that always fails with err.
func NewErrorInvoker(err error) *MockInvoker {
	if err == nil {
		err = errors.New("mock invoker error")
	}
	return &MockInvoker{mode: MockModeError, err: err}
}

// WithDelay makes every call wait d before answering, or until ctx is done.
func (m *MockInvoker) WithDelay(d time.Duration) *MockInvoker {
	m.delay = d
	return m
}

// Invoke implements Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, modelID, prompt string) (Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Model: modelID, Prompt: prompt})
	reply := m.nextReply(prompt)
	delay := m.delay
	m.mu.Unlock()

	start := time.Now()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	if reply.Err != nil {
		return Completion{}, reply.Err
	}
	c := reply.Completion
	if c.Latency == 0 {
		c.Latency = time.Since(start)
	}
	return c, nil
}

func (m *MockInvoker) nextReply(prompt string) MockReply {
	switch m.mode {
	case MockModeEcho:
		words := int64(len(strings.Fields(prompt)))
		return MockReply{Completion: Completion{
			Text:             "Echo: " + prompt,
			PromptTokens:     words,
			CompletionTokens: words,
		}}
	case MockModeError:
		return MockReply{Err: m.err}
	case MockModeFixed:
		return m.replies[0]
	default:
		if len(m.replies) == 0 {
			return MockReply{Err: errors.New("mock invoker: no scripted replies")}
		}
		r := m.replies[m.next]
		if m.next < len(m.replies)-1 {
			m.next++
		}
		return r
	}
}

// Calls returns a copy of every invocation seen so far.
func (m *MockInvoker) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of invocations seen so far.
func (m *MockInvoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
