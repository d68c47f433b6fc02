package model

import (
	"context"
	"errors"

	"patchpilot/internal/tools"
	"patchpilot/internal/transcript"
)

// ScriptedClient replays a fixed sequence of actions. It keeps the agent
// loop fully deterministic in tests.
type ScriptedClient struct {
	Actions []tools.Call
	// Errs, when non-nil at the same index, is returned instead of the action.
	Errs  []error
	Calls int
}

var errScriptExhausted = errors.New("scripted client: no actions left")

func (s *ScriptedClient) RequestAction(ctx context.Context, history []transcript.Message) (tools.Call, error) {
	if err := ctx.Err(); err != nil {
		return tools.Call{}, err
	}
	i := s.Calls
	s.Calls++
	if i < len(s.Errs) && s.Errs[i] != nil {
		return tools.Call{}, s.Errs[i]
	}
	if i >= len(s.Actions) {
		return tools.Call{}, errScriptExhausted
	}
	return s.Actions[i], nil
}
