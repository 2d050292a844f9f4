package skill

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"text/template"

	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/llm"
	"github.com/zulandar/workforce/internal/models"
)

// Builtin action names.
const (
	ActionEcho          = "echo"
	ActionModelComplete = "model.complete"
	ActionScript        = "script"
)

// Call is the input to one action run.
type Call struct {
	Skill *models.SkillDefinition
	Args  map[string]interface{}
	// Model performs a billed model call. The executor supplies a metering
	// implementation; actions never reach a model any other way.
	Model llm.Invoker
}

// Action is an invocable capability. The returned value must be JSON-encodable.
type Action interface {
	Run(ctx context.Context, call Call) (interface{}, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, call Call) (interface{}, error)

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, call Call) (interface{}, error) {
	return f(ctx, call)
}

// Actions maps action names to implementations. It is safe for concurrent use.
type Actions struct {
	mu       sync.RWMutex
	actions  map[string]Action
	builtins map[string]bool
}

// NewActions returns a registry preloaded with the builtin actions.
func NewActions() *Actions {
	a := &Actions{
		actions:  make(map[string]Action),
		builtins: make(map[string]bool),
	}
	a.actions[ActionEcho] = ActionFunc(echo)
	a.actions[ActionModelComplete] = ActionFunc(modelComplete)
	a.actions[ActionScript] = ActionFunc(runScript)
	for name := range a.actions {
		a.builtins[name] = true
	}
	return a
}

// Register adds or replaces an action. Builtins cannot be replaced.
func (a *Actions) Register(name string, action Action) error {
	if name == "" || action == nil {
		return fmt.Errorf("skill: action name and implementation are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.builtins[name] {
		return fmt.Errorf("skill: action %q is builtin", name)
	}
	a.actions[name] = action
	return nil
}

// Lookup returns the action registered under name.
func (a *Actions) Lookup(name string) (Action, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	act, ok := a.actions[name]
	return act, ok
}

// IsBuiltin reports whether name is one of the builtin actions.
func (a *Actions) IsBuiltin(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.builtins[name]
}

// Names returns every registered action name in sorted order.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.actions))
	for n := range a.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func echo(_ context.Context, call Call) (interface{}, error) {
	if call.Args == nil {
		return map[string]interface{}{}, nil
	}
	return call.Args, nil
}

func modelComplete(ctx context.Context, call Call) (interface{}, error) {
	prompt, _ := call.Args["prompt"].(string)
	if prompt == "" {
		return nil, fault.New(fault.Validation, "skill: model.complete", "prompt argument is required")
	}
	return complete(ctx, call, prompt)
}

func runScript(ctx context.Context, call Call) (interface{}, error) {
	tmpl, err := parseScript(call.Skill)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, call.Args); err != nil {
		return nil, fault.Wrap(fault.Validation, "skill: render script "+call.Skill.Key, err)
	}
	out, err := complete(ctx, call, buf.String())
	if err != nil {
		return nil, err
	}
	out["prompt"] = buf.String()
	return out, nil
}

func complete(ctx context.Context, call Call, prompt string) (map[string]interface{}, error) {
	if call.Model == nil {
		return nil, fault.New(fault.Internal, "skill: "+call.Skill.ActionName, "no model invoker bound")
	}
	model := call.Skill.Model
	if m, ok := call.Args["model"].(string); ok && m != "" {
		model = m
	}
	c, err := call.Model.Invoke(ctx, model, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"text":              c.Text,
		"model":             model,
		"prompt_tokens":     c.PromptTokens,
		"completion_tokens": c.CompletionTokens,
	}, nil
}

// parseScript compiles a skill's script body. missingkey=error turns a
// reference to an absent input field into a render failure.
func parseScript(def *models.SkillDefinition) (*template.Template, error) {
	if def.Script == "" {
		return nil, fault.New(fault.Validation, "skill: script "+def.Key, "script body is empty")
	}
	tmpl, err := template.New(def.Key).Option("missingkey=error").Parse(def.Script)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "skill: parse script "+def.Key, err)
	}
	return tmpl, nil
}
