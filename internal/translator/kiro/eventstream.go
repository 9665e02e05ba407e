package kiro

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// eventTokenPattern locates the payload marker AWS event-stream frames place
// immediately before each JSON body. Used to resync when a stray brace inside
// binary framing fails to parse.
var eventTokenPattern = regexp.MustCompile(`event\s*\{`)

const maxEventPayload = 4 << 20

// StreamParser incrementally extracts assistant events from a Kiro response
// stream. The raw stream interleaves binary AWS event-stream framing with
// JSON payloads; the parser scans for balanced JSON objects, discards
// everything that does not parse, and classifies the payloads that do.
//
// Payloads with a content field become text events, payloads carrying
// name and toolUseId open tool calls, nameless input and stop payloads
// continue and close them, and followupPrompt payloads are dropped.
type StreamParser struct {
	carry   []byte
	sniffer *textSniffer

	curID    string
	curName  string
	curInput strings.Builder
	curOpen  bool

	seen map[string]bool
}

func NewStreamParser() *StreamParser {
	seen := make(map[string]bool)
	return &StreamParser{
		sniffer: newTextSniffer(seen),
		seen:    seen,
	}
}

// Feed consumes the next chunk of the raw response body and returns the
// events completed by it.
func (p *StreamParser) Feed(chunk []byte) []StreamEvent {
	p.carry = append(p.carry, chunk...)
	var events []StreamEvent
	for {
		start := bytes.IndexByte(p.carry, '{')
		if start < 0 {
			p.carry = p.carry[:0]
			return events
		}
		if start > 0 {
			p.carry = append(p.carry[:0], p.carry[start:]...)
		}
		end, complete := scanJSONObject(p.carry)
		if !complete {
			if len(p.carry) > maxEventPayload {
				p.carry = append(p.carry[:0], p.carry[1:]...)
				continue
			}
			return events
		}
		candidate := p.carry[:end]
		if json.Valid(candidate) {
			events = append(events, p.handlePayload(candidate)...)
			p.carry = append(p.carry[:0], p.carry[end:]...)
			continue
		}
		skip := 1
		if loc := eventTokenPattern.FindIndex(p.carry[1:]); loc != nil {
			skip = loc[1]
		}
		p.carry = append(p.carry[:0], p.carry[skip:]...)
	}
}

// Flush closes the stream: any open tool call is terminated and withheld
// text is released.
func (p *StreamParser) Flush() []StreamEvent {
	var events []StreamEvent
	if p.curOpen {
		events = append(events, p.closeCurrentTool()...)
	}
	events = append(events, p.sniffer.Flush()...)
	p.carry = nil
	return events
}

func (p *StreamParser) handlePayload(payload []byte) []StreamEvent {
	node := gjson.ParseBytes(payload)
	if node.Get("followupPrompt").Exists() || isMeteringPayload(node) {
		return nil
	}

	if content := node.Get("content"); content.Exists() {
		text := strings.ReplaceAll(content.String(), `\n`, "\n")
		return p.sniffer.Feed(text)
	}

	name := node.Get("name").String()
	input := node.Get("input")
	stop := node.Get("stop").Bool()

	var events []StreamEvent
	switch {
	case name != "":
		if p.curOpen {
			events = append(events, p.closeCurrentTool()...)
		}
		events = append(events, p.sniffer.Flush()...)
		p.curID = node.Get("toolUseId").String()
		p.curName = name
		p.curInput.Reset()
		p.curOpen = true
		opening := StreamEvent{Kind: EventToolUse, ToolUseID: p.curID, ToolName: name}
		if input.Exists() {
			opening.Input = input.String()
			p.curInput.WriteString(opening.Input)
		}
		if stop {
			key := toolDedupKey(name, strings.TrimSpace(p.curInput.String()))
			if p.seen[key] {
				p.curOpen = false
				p.curInput.Reset()
				return events
			}
			events = append(events, opening)
			events = append(events, p.closeCurrentTool()...)
			return events
		}
		events = append(events, opening)
	case input.Exists() && p.curOpen:
		fragment := input.String()
		p.curInput.WriteString(fragment)
		events = append(events, StreamEvent{Kind: EventToolInput, ToolUseID: p.curID, Input: fragment})
		if stop {
			events = append(events, p.closeCurrentTool()...)
		}
	case stop && p.curOpen:
		events = append(events, p.closeCurrentTool()...)
	}
	return events
}

func (p *StreamParser) closeCurrentTool() []StreamEvent {
	p.seen[toolDedupKey(p.curName, strings.TrimSpace(p.curInput.String()))] = true
	event := StreamEvent{Kind: EventToolStop, ToolUseID: p.curID}
	p.curOpen = false
	p.curInput.Reset()
	return []StreamEvent{event}
}

// isMeteringPayload recognizes billing meter events, which carry a
// unit/unitPlural/usage trio and nothing else. They are dropped rather than
// surfaced as assistant output.
func isMeteringPayload(node gjson.Result) bool {
	if !node.Get("unit").Exists() || !node.Get("usage").Exists() {
		return false
	}
	semantic := false
	node.ForEach(func(key, _ gjson.Result) bool {
		switch key.String() {
		case "unit", "unitPlural", "usage":
			return true
		default:
			semantic = true
			return false
		}
	})
	return !semantic
}

// scanJSONObject walks buf, which must start at an opening brace, and returns
// the index just past the matching close. Strings and escapes are respected
// so braces inside values do not affect the depth count.
func scanJSONObject(buf []byte) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, c := range buf {
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
				return i + 1, true
			}
		}
	}
	return 0, false
}

// ParseResponse runs a complete response body through the parser and returns
// the flattened event list. Used by the non-streaming path.
func ParseResponse(body []byte) []StreamEvent {
	parser := NewStreamParser()
	events := parser.Feed(body)
	events = append(events, parser.Flush()...)
	return events
}
