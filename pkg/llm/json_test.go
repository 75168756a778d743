package llm

import (
	"testing"
)

func TestExtractJSON_PlainObject(t *testing.T) {
	input := `{"sql": "SELECT 1", "confidence": 0.9}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_NestedObject(t *testing.T) {
	input := `{"sql": "SELECT 1", "meta": {"citations": ["public.orders"]}}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_WithThinkTags(t *testing.T) {
	input := `<think>
The user wants revenue by month. {maybe} I should group by date_trunc.
</think>
{"sql": "SELECT 1"}`

	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"sql": "SELECT 1"}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_CodeFence(t *testing.T) {
	input := "Here is the query:\n```json\n{\"sql\": \"SELECT id FROM orders\"}\n```\nLet me know."
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"sql": "SELECT id FROM orders"}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_BareCodeFence(t *testing.T) {
	input := "```\n{\"sql\": \"SELECT 2\"}\n```"
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"sql": "SELECT 2"}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_StrayBraceInProse(t *testing.T) {
	input := `Using {placeholder} syntax is wrong, so: {"sql": "SELECT 3"}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"sql": "SELECT 3"}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_BracesInStrings(t *testing.T) {
	input := `{"sql": "SELECT '{not json}' AS x", "rationale": "escaped \"quote\" here"}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_Failures(t *testing.T) {
	for _, input := range []string{"", "no json here", `{"sql": `, `["SELECT 1"]`} {
		if _, err := ExtractJSON(input); err == nil {
			t.Errorf("ExtractJSON(%q) expected error", input)
		}
	}
}

func TestParseJSONResponse(t *testing.T) {
	type response struct {
		SQL        string   `json:"sql"`
		Citations  []string `json:"citations"`
		Confidence float64  `json:"confidence"`
	}

	got, err := ParseJSONResponse[response](`Sure! {"sql": "SELECT 1", "citations": ["a", "b"], "confidence": 0.5}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SQL != "SELECT 1" || len(got.Citations) != 2 || got.Confidence != 0.5 {
		t.Errorf("unexpected result: %+v", got)
	}

	if _, err := ParseJSONResponse[response](`{"sql": 42}`); err == nil {
		t.Error("expected unmarshal error for wrong type")
	}
}
