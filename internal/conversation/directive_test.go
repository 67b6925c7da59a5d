package conversation

import "testing"

func TestContainsCompletion(t *testing.T) {
	t.Parallel()

	if !ContainsCompletion("All checks pass. TASK_COMPLETE") {
		t.Fatalf("expected sentinel to be detected")
	}
	if ContainsCompletion("keep going, we are not done yet") {
		t.Fatalf("did not expect sentinel in plain text")
	}
}

func TestParseDirective_Stop(t *testing.T) {
	t.Parallel()

	text := `The worker is about to commit credentials.
*[STOP]* CONTEXT: "insecure code detected" Remove the hardcoded API key before continuing.`
	d := ParseDirective(text)
	if d.Kind != DirectiveStop {
		t.Fatalf("expected stop directive, got %v", d.Kind)
	}
	if d.Reason != "insecure code detected" {
		t.Fatalf("unexpected stop reason: %q", d.Reason)
	}
}

func TestParseDirective_EndpointCall(t *testing.T) {
	t.Parallel()

	text := "Restart the session first.\nACTION:POST:/api/conversations/abc/events\n" +
		`{"type": "message", "content": "resume"}`
	d := ParseDirective(text)
	if d.Kind != DirectiveEndpointCall {
		t.Fatalf("expected endpoint call, got %v", d.Kind)
	}
	if d.Method != "POST" || d.Path != "/api/conversations/abc/events" {
		t.Fatalf("unexpected method/path: %s %s", d.Method, d.Path)
	}
	if string(d.Body) != `{"type": "message", "content": "resume"}` {
		t.Fatalf("unexpected body: %s", d.Body)
	}
}

func TestParseDirective_EndpointCallWithoutBody(t *testing.T) {
	t.Parallel()

	d := ParseDirective("ACTION:GET:/api/conversations/abc\n")
	if d.Kind != DirectiveEndpointCall {
		t.Fatalf("expected endpoint call, got %v", d.Kind)
	}
	if d.Body != nil {
		t.Fatalf("expected no body, got %s", d.Body)
	}
}

func TestParseDirective_StopWinsOverEndpointCall(t *testing.T) {
	t.Parallel()

	text := `*[STOP]* CONTEXT: "done reviewing"
ACTION:DELETE:/api/conversations/abc`
	d := ParseDirective(text)
	if d.Kind != DirectiveStop {
		t.Fatalf("expected stop to take precedence, got %v", d.Kind)
	}
}

func TestParseDirective_None(t *testing.T) {
	t.Parallel()

	if d := ParseDirective("just a normal planner reply"); d.Kind != DirectiveNone {
		t.Fatalf("expected no directive, got %v", d.Kind)
	}
	// Malformed JSON after the directive line is dropped, not guessed at.
	d := ParseDirective("ACTION:POST:/x\n{broken")
	if d.Kind != DirectiveEndpointCall || d.Body != nil {
		t.Fatalf("expected call without body, got kind=%v body=%s", d.Kind, d.Body)
	}
}
