package decision

import (
	"context"
	"sync"
)

type scriptedStep struct {
	decision *Decision
	err      error
}

// Scripted is a deterministic Decider that replays a fixed sequence of
// decisions. It is the test double behind every harness and conductor
// test; it also lets a deployment run fully offline.
type Scripted struct {
	mu    sync.Mutex
	steps []scriptedStep

	// Decomposition and synthesis are single-valued; zero values mean
	// "fail", which exercises callers' fallback paths.
	Decomposition []SubDirective
	DecomposeErr  error
	SynthesisText string
	SynthesisErr  error

	// Inputs observed, for assertions.
	DecideInputs   []DecideInput
	SynthesizeArgs []string
}

// NewScripted builds an empty script. An exhausted script completes the
// turn with empty content.
func NewScripted() *Scripted { return &Scripted{} }

// AddDecision appends a decision to the script.
func (s *Scripted) AddDecision(d *Decision) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptedStep{decision: d})
	return s
}

// AddToolCall appends a single-tool-call decision.
func (s *Scripted) AddToolCall(id, name string, args map[string]interface{}) *Scripted {
	return s.AddDecision(&Decision{
		Kind:      KindToolCalls,
		ToolCalls: []ToolCall{{ID: id, Name: name, Args: args}},
	})
}

// AddComplete appends a completing decision.
func (s *Scripted) AddComplete(content string) *Scripted {
	return s.AddDecision(&Decision{Kind: KindComplete, Content: content})
}

// AddError appends a failing decide call.
func (s *Scripted) AddError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptedStep{err: err})
	return s
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Decide(_ context.Context, in DecideInput) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DecideInputs = append(s.DecideInputs, in)
	if len(s.steps) == 0 {
		return &Decision{Kind: KindComplete}, nil
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.decision, nil
}

func (s *Scripted) Decompose(_ context.Context, objective string, _ []string) ([]SubDirective, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DecomposeErr != nil {
		return nil, s.DecomposeErr
	}
	if len(s.Decomposition) == 0 {
		return nil, errNoScript("decompose", objective)
	}
	return s.Decomposition, nil
}

func (s *Scripted) Synthesize(_ context.Context, objective string, _ []Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeArgs = append(s.SynthesizeArgs, objective)
	if s.SynthesisErr != nil {
		return "", s.SynthesisErr
	}
	if s.SynthesisText == "" {
		return "", errNoScript("synthesize", objective)
	}
	return s.SynthesisText, nil
}

type errNoScriptT struct{ op, objective string }

func errNoScript(op, objective string) error { return &errNoScriptT{op: op, objective: objective} }

func (e *errNoScriptT) Error() string {
	return "scripted decider has no " + e.op + " script for objective: " + e.objective
}
