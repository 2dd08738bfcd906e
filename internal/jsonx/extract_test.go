package jsonx

import (
	"testing"
)

type verdict struct {
	Relevant      bool   `json:"relevant"`
	Justification string `json:"justification"`
}

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name string
		text string
		want verdict
	}{
		{
			"bare object",
			`{"relevant": true, "justification": "handles auth"}`,
			verdict{true, "handles auth"},
		},
		{
			"leading and trailing prose",
			`Sure, here is my assessment: {"relevant": false, "justification": "test fixture"} Let me know!`,
			verdict{false, "test fixture"},
		},
		{
			"fenced code block",
			"```json\n{\"relevant\": true, \"justification\": \"core module\"}\n```",
			verdict{true, "core module"},
		},
		{
			"single quotes",
			`{'relevant': true, 'justification': 'config loader'}`,
			verdict{true, "config loader"},
		},
		{
			"braces inside string value",
			`{"relevant": true, "justification": "defines func main() { ... }"}`,
			verdict{true, "defines func main() { ... }"},
		},
		{
			"first non-parsing brace pair is skipped",
			`{this is not json} then {"relevant": true, "justification": "ok"}`,
			verdict{true, "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got verdict
			if err := ExtractObject(tt.text, &got); err != nil {
				t.Fatalf("ExtractObject: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExtractObject_NoJSON(t *testing.T) {
	var got verdict
	if err := ExtractObject("I cannot assess this file.", &got); err == nil {
		t.Error("expected error for prose with no JSON")
	}
}

func TestExtractStringArray(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			"bare array",
			`["a.py", "b.py"]`,
			[]string{"a.py", "b.py"},
		},
		{
			"fenced with reasoning",
			"After careful thought, my ranking is:\n```\n[\n\"src/main.py\",\n\"src/util.py\"\n]\n```",
			[]string{"src/main.py", "src/util.py"},
		},
		{
			"non-string elements skipped",
			`["a.py", 3, null, "b.py"]`,
			[]string{"a.py", "b.py"},
		},
		{
			"empty array",
			`[]`,
			[]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractStringArray(tt.text)
			if err != nil {
				t.Fatalf("ExtractStringArray: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("element %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtractStringArray_NoArray(t *testing.T) {
	if _, err := ExtractStringArray("no list here"); err == nil {
		t.Error("expected error")
	}
}
