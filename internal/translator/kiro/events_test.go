package kiro

import "testing"

func TestRepairJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a": 1,}`, `{"a": 1}`, true},
		{`{"list": [1, 2,]}`, `{"list": [1, 2]}`, true},
		{`{path: "/tmp", recursive: true}`, `{"path": "/tmp", "recursive": true}`, true},
		{`{a: 1, b: [2,],}`, `{"a": 1, "b": [2]}`, true},
		{`{"broken": `, `{"broken": `, false},
	}
	for _, c := range cases {
		got, ok := repairJSON(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("repairJSON(%q) = %q, %v; want %q, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestParseBracketCallsMultiple(t *testing.T) {
	text := `intro [Called first with args: {"a":1}] middle [Called second with args: {"b":2}] outro`
	calls, remainder := parseBracketCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "first" || calls[1].Name != "second" {
		t.Fatalf("names mismatch: %+v", calls)
	}
	if calls[0].Arguments != `{"a":1}` {
		t.Fatalf("arguments mismatch: %q", calls[0].Arguments)
	}
	if remainder != "intro  middle  outro" {
		t.Fatalf("remainder mismatch: %q", remainder)
	}
	for _, call := range calls {
		if call.ID == "" {
			t.Fatalf("synthesized calls need ids: %+v", call)
		}
	}
}

func TestParseBracketCallsNoMatch(t *testing.T) {
	calls, remainder := parseBracketCalls("no calls here")
	if calls != nil || remainder != "no calls here" {
		t.Fatalf("plain text should pass through: %v %q", calls, remainder)
	}
}

func TestToolAccumulatorContinuation(t *testing.T) {
	acc := newToolAccumulator()
	acc.Add(StreamEvent{Kind: EventToolUse, ToolUseID: "t1", ToolName: "grep", Input: `{"pat`})
	acc.Add(StreamEvent{Kind: EventToolInput, Input: `tern":"x"}`})
	acc.Add(StreamEvent{Kind: EventToolStop})

	tools := acc.Finalize()
	if len(tools) != 1 {
		t.Fatalf("expected one call, got %d", len(tools))
	}
	if tools[0].Arguments != `{"pattern":"x"}` {
		t.Fatalf("nameless continuation should target the open call: %q", tools[0].Arguments)
	}
}

func TestToolAccumulatorEmptyArguments(t *testing.T) {
	acc := newToolAccumulator()
	acc.Add(StreamEvent{Kind: EventToolUse, ToolUseID: "t2", ToolName: "noargs"})
	acc.Add(StreamEvent{Kind: EventToolStop})

	tools := acc.Finalize()
	if len(tools) != 1 || tools[0].Arguments != "{}" {
		t.Fatalf("missing arguments should default to {}: %+v", tools)
	}
}

func TestPartialMarkerLen(t *testing.T) {
	cases := map[string]int{
		"text [":        1,
		"text [Cal":     4,
		"text [Called?": 0,
		"plain":         0,
		"[Calle":        6,
	}
	for in, want := range cases {
		if got := partialMarkerLen([]byte(in)); got != want {
			t.Errorf("partialMarkerLen(%q) = %d, want %d", in, got, want)
		}
	}
}
