package conversation

import (
	"encoding/json"
	"regexp"
	"strings"
)

// CompletionSentinel is the literal token whose presence anywhere in a
// planner message marks the conversation as finished.
const CompletionSentinel = "TASK_COMPLETE"

// ContainsCompletion reports whether the planner message carries the
// completion sentinel.
func ContainsCompletion(text string) bool {
	return strings.Contains(text, CompletionSentinel)
}

type DirectiveKind int

const (
	DirectiveNone DirectiveKind = iota
	DirectiveStop
	DirectiveEndpointCall
)

// Directive is an inline command extracted from planner text. It is
// consumed by the dispatch layer around the orchestrator, never by the
// state machine itself.
type Directive struct {
	Kind   DirectiveKind
	Reason string // stop directives
	Method string // endpoint calls
	Path   string
	Body   json.RawMessage
}

var (
	stopPattern     = regexp.MustCompile(`\*\[STOP\]\*\s*CONTEXT:\s*"([^"]+)"`)
	endpointPattern = regexp.MustCompile(`(?m)^ACTION:(GET|POST|PUT|PATCH|DELETE):(\S+)\s*$`)
)

// ParseDirective scans planner text for the stop grammar
// (*[STOP]* CONTEXT: "reason") and the worker-API call grammar
// (ACTION:METHOD:PATH followed by a JSON payload on subsequent lines).
// Stop wins if both appear.
func ParseDirective(text string) Directive {
	if m := stopPattern.FindStringSubmatch(text); m != nil {
		return Directive{Kind: DirectiveStop, Reason: m[1]}
	}
	loc := endpointPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return Directive{Kind: DirectiveNone}
	}
	m := endpointPattern.FindStringSubmatch(text)
	directive := Directive{
		Kind:   DirectiveEndpointCall,
		Method: m[1],
		Path:   m[2],
	}
	if body := extractJSONPayload(text[loc[1]:]); body != nil {
		directive.Body = body
	}
	return directive
}

// extractJSONPayload finds the first balanced JSON object after the
// directive line. Returns nil if no well-formed object follows.
func extractJSONPayload(rest string) json.RawMessage {
	start := strings.IndexByte(rest, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(rest); i++ {
		ch := rest[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := rest[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate)
				}
				return nil
			}
		}
	}
	return nil
}
