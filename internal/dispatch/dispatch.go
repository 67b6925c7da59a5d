// Package dispatch interprets inline commands embedded in planner
// replies and routes them to the worker's HTTP surface. Keeping this
// outside the state machine means the orchestrator only learns the
// outcome that matters to it, whether the conversation should stop.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halcyon-dev/parley/internal/conversation"
	"github.com/halcyon-dev/parley/internal/logging"
)

// Caller issues arbitrary calls against the worker API on the planner's
// behalf.
type Caller interface {
	Call(ctx context.Context, method, path string, body json.RawMessage) error
}

// Sink parses planner replies for directives. Stop directives are
// reported back to the caller; endpoint calls are executed best-effort.
type Sink struct {
	caller Caller
	log    *logging.Logger
}

func NewSink(caller Caller, log *logging.Logger) *Sink {
	return &Sink{caller: caller, log: log}
}

// PlannerMessage inspects one planner reply. It returns true with a stop
// reason when the reply carries a stop directive; endpoint call failures
// are logged and never stop the conversation.
func (s *Sink) PlannerMessage(ctx context.Context, convID, text string) (bool, string) {
	directive := conversation.ParseDirective(text)
	switch directive.Kind {
	case conversation.DirectiveStop:
		return true, fmt.Sprintf("planner_stop: %s", directive.Reason)
	case conversation.DirectiveEndpointCall:
		if s.caller == nil {
			return false, ""
		}
		if err := s.caller.Call(ctx, directive.Method, directive.Path, directive.Body); err != nil {
			s.log.Printf("conversation %s: planner endpoint call %s %s: %v", convID, directive.Method, directive.Path, err)
		}
		return false, ""
	default:
		return false, ""
	}
}
