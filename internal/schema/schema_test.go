package schema

import (
	"strings"
	"testing"
)

const ticketSchema = `{
  "type": "object",
  "required": ["ticket"],
  "properties": {
    "ticket": {"type": "string"},
    "priority": {"type": "string", "enum": ["low", "high"]}
  }
}`

func TestEmpty(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"", true},
		{"  ", true},
		{"null", true},
		{"{}", true},
		{`{"type":"object"}`, false},
	}
	for _, tt := range tests {
		if got := Empty([]byte(tt.raw)); got != tt.want {
			t.Errorf("Empty(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	if err := Check([]byte(ticketSchema)); err != nil {
		t.Errorf("Check(valid) = %v", err)
	}
	if err := Check(nil); err != nil {
		t.Errorf("Check(nil) = %v", err)
	}
	if err := Check([]byte(`{"type": 42`)); err == nil {
		t.Error("Check(truncated) = nil, want error")
	}
	if err := Check([]byte(`{"type": 42}`)); err == nil {
		t.Error("Check(bad type keyword) = nil, want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", `{"ticket":"T-1","priority":"high"}`, false},
		{"missing required", `{"priority":"low"}`, true},
		{"enum violation", `{"ticket":"T-1","priority":"urgent"}`, true},
		{"wrong type", `{"ticket":7}`, true},
		{"empty document", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(ticketSchema), []byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_EmptySchemaAcceptsAnything(t *testing.T) {
	if err := Validate(nil, []byte(`{"anything":[1,2,3]}`)); err != nil {
		t.Errorf("Validate(nil schema) = %v", err)
	}
}

func TestValidate_NotJSON(t *testing.T) {
	err := Validate([]byte(ticketSchema), []byte(`not json`))
	if err == nil || !strings.Contains(err.Error(), "not JSON") {
		t.Errorf("error = %v, want not JSON", err)
	}
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(map[string]any{"a": 1})
	if err != nil || string(data) != `{"a":1}` {
		t.Errorf("Marshal() = %s, %v", data, err)
	}
	data, err = Marshal(nil)
	if err != nil || data != nil {
		t.Errorf("Marshal(nil) = %s, %v", data, err)
	}
}
