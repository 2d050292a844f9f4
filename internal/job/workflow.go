package job

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Plan node kinds.
const (
	KindSkill    = "skill"
	KindSequence = "sequence"
	KindParallel = "parallel"
	KindWhen     = "when"
)

// Node is one element of a workflow plan. It is a tagged variant: Kind
// selects which of the remaining fields apply.
//
//	skill:    Skill, Input
//	sequence: Children, run in order
//	parallel: Children (skill nodes only), independent of each other
//	when:     Field, Equals, Then, Else; Field is looked up in the task inputs
type Node struct {
	Kind     string                 `json:"kind"`
	Skill    string                 `json:"skill,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Children []Node                 `json:"children,omitempty"`
	Field    string                 `json:"field,omitempty"`
	Equals   interface{}            `json:"equals,omitempty"`
	Then     *Node                  `json:"then,omitempty"`
	Else     *Node                  `json:"else,omitempty"`
}

// UnmarshalJSON accepts a bare string as shorthand for a skill node.
func (n *Node) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var key string
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		*n = Node{Kind: KindSkill, Skill: key}
		return nil
	}
	type plain Node
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*n = Node(p)
	return nil
}

// ParseWorkflow decodes a workflow document. A top-level array is a
// sequence. An empty document yields nil.
func ParseWorkflow(raw []byte) (*Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var root Node
	if raw[0] == '[' {
		var children []Node
		if err := json.Unmarshal(raw, &children); err != nil {
			return nil, fmt.Errorf("workflow: %w", err)
		}
		root = Node{Kind: KindSequence, Children: children}
	} else if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return &root, nil
}

// Validate checks the structure of the tree rooted at n.
func (n *Node) Validate() error {
	return n.validate("workflow")
}

func (n *Node) validate(path string) error {
	switch n.Kind {
	case KindSkill:
		if n.Skill == "" {
			return fmt.Errorf("%s: skill node needs a skill key", path)
		}
	case KindSequence:
		if len(n.Children) == 0 {
			return fmt.Errorf("%s: sequence has no children", path)
		}
		for i := range n.Children {
			if err := n.Children[i].validate(fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindParallel:
		if len(n.Children) == 0 {
			return fmt.Errorf("%s: parallel has no children", path)
		}
		for i := range n.Children {
			if n.Children[i].Kind != KindSkill {
				return fmt.Errorf("%s.children[%d]: parallel children must be skill nodes", path, i)
			}
			if err := n.Children[i].validate(fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindWhen:
		if n.Field == "" {
			return fmt.Errorf("%s: when node needs a field", path)
		}
		if n.Then == nil {
			return fmt.Errorf("%s: when node needs a then branch", path)
		}
		if err := n.Then.validate(path + ".then"); err != nil {
			return err
		}
		if n.Else != nil {
			if err := n.Else.validate(path + ".else"); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s: unknown node kind %q", path, n.Kind)
	}
	return nil
}

// Skills returns every skill key referenced anywhere in the tree, including
// both branches of conditionals, in first-seen order.
func (n *Node) Skills() []string {
	seen := make(map[string]bool)
	var keys []string
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Kind == KindSkill && !seen[n.Skill] {
			seen[n.Skill] = true
			keys = append(keys, n.Skill)
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
		walk(n.Then)
		walk(n.Else)
	}
	walk(n)
	return keys
}
