package kiro

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// EventKind classifies a StreamEvent.
type EventKind int

const (
	// EventText carries a chunk of assistant text.
	EventText EventKind = iota
	// EventToolUse opens a tool call. Input holds any argument fragment
	// delivered with the opening payload.
	EventToolUse
	// EventToolInput carries an argument fragment for the open tool call.
	EventToolInput
	// EventToolStop closes the open tool call.
	EventToolStop
)

// StreamEvent is one parsed unit of a Kiro response stream.
type StreamEvent struct {
	Kind      EventKind
	Text      string
	ToolUseID string
	ToolName  string
	Input     string
}

// ToolCall is a finalized tool invocation with its raw JSON arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

func toolDedupKey(name, arguments string) string {
	return name + ":" + arguments
}

// toolAccumulator rebuilds complete tool calls from stream events, keeping
// arrival order and dropping repeats of the same name and arguments.
type toolAccumulator struct {
	order []string
	byID  map[string]*ToolCall
	open  string
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{byID: make(map[string]*ToolCall)}
}

func (a *toolAccumulator) Add(event StreamEvent) {
	switch event.Kind {
	case EventToolUse:
		id := event.ToolUseID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		if _, ok := a.byID[id]; !ok {
			a.order = append(a.order, id)
			a.byID[id] = &ToolCall{ID: id, Name: event.ToolName}
		}
		a.byID[id].Arguments += event.Input
		a.open = id
	case EventToolInput:
		id := event.ToolUseID
		if id == "" {
			id = a.open
		}
		if call, ok := a.byID[id]; ok {
			call.Arguments += event.Input
		}
	case EventToolStop:
		a.open = ""
	}
}

// Finalize returns the accumulated calls in arrival order. Arguments that do
// not form valid JSON are passed through as-is after a repair attempt so the
// caller still sees what the model produced.
func (a *toolAccumulator) Finalize() []ToolCall {
	seen := make(map[string]bool, len(a.order))
	out := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		call := a.byID[id]
		args := strings.TrimSpace(call.Arguments)
		if args == "" {
			args = "{}"
		} else if !json.Valid([]byte(args)) {
			if repaired, ok := repairJSON(args); ok {
				args = repaired
			}
		}
		key := toolDedupKey(call.Name, args)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ToolCall{ID: call.ID, Name: call.Name, Arguments: args})
	}
	return out
}

var (
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyPattern       = regexp.MustCompile(`([{,]\s*)([A-Za-z0-9_]+)\s*:`)
	bracketCallPattern   = regexp.MustCompile(`(?s)\[Called\s+([A-Za-z0-9_]+)\s+with\s+args:\s*(\{.*?\})\]`)
)

// repairJSON fixes the two malformations Kiro's bracketed tool calls are known
// to contain: trailing commas before a closing brace or bracket, and unquoted
// object keys. Returns the original string and false when the result still
// fails to parse.
func repairJSON(raw string) (string, bool) {
	repaired := trailingCommaPattern.ReplaceAllString(raw, "$1")
	repaired = bareKeyPattern.ReplaceAllString(repaired, `$1"$2":`)
	if json.Valid([]byte(repaired)) {
		return repaired, true
	}
	return raw, false
}

// parseBracketCalls extracts tool calls serialized inline as
// "[Called NAME with args: {...}]". Returns the calls plus the surrounding
// text with the call markers removed.
func parseBracketCalls(text string) ([]ToolCall, string) {
	matches := bracketCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text
	}
	var calls []ToolCall
	var remainder strings.Builder
	last := 0
	for _, m := range matches {
		remainder.WriteString(text[last:m[0]])
		last = m[1]
		name := text[m[2]:m[3]]
		args := text[m[4]:m[5]]
		if !json.Valid([]byte(args)) {
			if repaired, ok := repairJSON(args); ok {
				args = repaired
			}
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      name,
			Arguments: args,
		})
	}
	remainder.WriteString(text[last:])
	return calls, remainder.String()
}

var bracketCallMarker = []byte("[Called")

const maxBracketHold = 64 * 1024

// textSniffer watches assistant text for inline bracketed tool calls. Text is
// passed through untouched until a call marker appears; from the marker on the
// text is withheld until the call either completes, in which case a synthetic
// tool event pair replaces it, or turns out not to be a call, in which case
// the withheld text is released unchanged.
type textSniffer struct {
	buf     []byte
	holding bool
	seen    map[string]bool
}

func newTextSniffer(seen map[string]bool) *textSniffer {
	return &textSniffer{seen: seen}
}

func (s *textSniffer) Feed(text string) []StreamEvent {
	if text == "" {
		return nil
	}
	s.buf = append(s.buf, text...)
	return s.process(false)
}

// Flush releases anything still withheld. A partial marker at end of stream is
// emitted as plain text.
func (s *textSniffer) Flush() []StreamEvent {
	events := s.process(true)
	if len(s.buf) > 0 {
		events = append(events, StreamEvent{Kind: EventText, Text: string(s.buf)})
		s.buf = nil
	}
	s.holding = false
	return events
}

func (s *textSniffer) process(eof bool) []StreamEvent {
	var events []StreamEvent
	for {
		if !s.holding {
			idx := bytes.Index(s.buf, bracketCallMarker)
			if idx < 0 {
				keep := 0
				if !eof {
					keep = partialMarkerLen(s.buf)
				}
				if emit := len(s.buf) - keep; emit > 0 {
					events = append(events, StreamEvent{Kind: EventText, Text: string(s.buf[:emit])})
					s.buf = append(s.buf[:0], s.buf[emit:]...)
				}
				return events
			}
			if idx > 0 {
				events = append(events, StreamEvent{Kind: EventText, Text: string(s.buf[:idx])})
				s.buf = append(s.buf[:0], s.buf[idx:]...)
			}
			s.holding = true
		}

		end, state := bracketSpanEnd(s.buf)
		switch state {
		case spanIncomplete:
			if !eof && len(s.buf) <= maxBracketHold {
				return events
			}
			fallthrough
		case spanNotACall:
			if end <= 0 {
				end = len(s.buf)
			}
			events = append(events, StreamEvent{Kind: EventText, Text: string(s.buf[:end])})
			s.buf = append(s.buf[:0], s.buf[end:]...)
			s.holding = false
		case spanComplete:
			span := string(s.buf[:end])
			calls, leftover := parseBracketCalls(span)
			if text := strings.TrimSpace(leftover); text != "" {
				events = append(events, StreamEvent{Kind: EventText, Text: leftover})
			}
			for _, call := range calls {
				key := toolDedupKey(call.Name, call.Arguments)
				if s.seen[key] {
					continue
				}
				s.seen[key] = true
				events = append(events,
					StreamEvent{Kind: EventToolUse, ToolUseID: call.ID, ToolName: call.Name, Input: call.Arguments},
					StreamEvent{Kind: EventToolStop, ToolUseID: call.ID},
				)
			}
			s.buf = append(s.buf[:0], s.buf[end:]...)
			s.holding = false
		}
	}
}

// partialMarkerLen reports how many trailing bytes of buf could still grow
// into the call marker and must be withheld.
func partialMarkerLen(buf []byte) int {
	max := len(bracketCallMarker) - 1
	if len(buf) < max {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if bytes.HasSuffix(buf, bracketCallMarker[:k]) {
			return k
		}
	}
	return 0
}

type spanState int

const (
	spanIncomplete spanState = iota
	spanComplete
	spanNotACall
)

// bracketSpanEnd scans a buffer that starts with the call marker for the end
// of a balanced "[Called ... {...}]" span. The argument object is walked with
// brace counting that respects JSON strings and escapes.
func bracketSpanEnd(buf []byte) (int, spanState) {
	braceStart := bytes.IndexByte(buf, '{')
	if braceStart < 0 {
		if len(buf) > 256 {
			return len(buf), spanNotACall
		}
		return 0, spanIncomplete
	}
	if braceStart > 256 {
		return braceStart, spanNotACall
	}
	depth := 0
	inString := false
	escaped := false
	for i := braceStart; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				for j := i + 1; j < len(buf); j++ {
					switch buf[j] {
					case ' ', '\t', '\n', '\r':
						continue
					case ']':
						return j + 1, spanComplete
					default:
						return j, spanNotACall
					}
				}
				return 0, spanIncomplete
			}
		}
	}
	return 0, spanIncomplete
}
