package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// request is the normalized shape handed to a backend.
type request struct {
	system      string
	messages    []Message
	tools       []ToolSpec
	temperature float64
	maxTokens   int
}

// response is the normalized shape a backend returns.
type response struct {
	content   string
	toolCalls []ToolCall
	usage     *TokenUsage
}

// backend is one model API. Implementations translate the normalized
// request into their SDK's wire format and back.
type backend interface {
	call(ctx context.Context, req request) (*response, error)
	name() string
}

const (
	defaultMaxTokens     = 4096
	decomposeTemperature = 0.2
)

// Client implements Decider over any backend.
type Client struct {
	b backend
}

func (c *Client) Name() string { return c.b.name() }

// Decide asks the backend for the next action. Tool calls win over text;
// text alone completes the turn.
func (c *Client) Decide(ctx context.Context, in DecideInput) (*Decision, error) {
	msgs := make([]Message, 0, len(in.Transcript)+1)
	msgs = append(msgs, Message{Role: RoleUser, Content: in.Objective})
	msgs = append(msgs, in.Transcript...)

	resp, err := c.b.call(ctx, request{
		system:    decideSystemPrompt(in.Role, in.System),
		messages:  msgs,
		tools:     in.Tools,
		maxTokens: defaultMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("decision call failed: %w", err)
	}

	if len(resp.toolCalls) > 0 {
		return &Decision{Kind: KindToolCalls, ToolCalls: resp.toolCalls, Content: resp.content, Usage: resp.usage}, nil
	}
	return &Decision{Kind: KindComplete, Content: resp.content, Usage: resp.usage}, nil
}

// Decompose asks the backend to split an objective into sub-directives.
// The reply must be a JSON array; anything else is an error the caller
// handles with its deterministic fallback.
func (c *Client) Decompose(ctx context.Context, objective string, agentKinds []string) ([]SubDirective, error) {
	resp, err := c.b.call(ctx, request{
		system: decomposeSystemPrompt(agentKinds),
		messages: []Message{
			{Role: RoleUser, Content: objective},
		},
		temperature: decomposeTemperature,
		maxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("decompose call failed: %w", err)
	}

	var subs []SubDirective
	if err := json.Unmarshal([]byte(stripFences(resp.content)), &subs); err != nil {
		return nil, fmt.Errorf("decompose returned non-JSON output: %w", err)
	}
	allowed := make(map[string]bool, len(agentKinds))
	for _, k := range agentKinds {
		allowed[k] = true
	}
	for i, s := range subs {
		if s.Directive == "" {
			return nil, fmt.Errorf("decompose entry %d has no directive", i)
		}
		if !allowed[s.AgentKind] {
			return nil, fmt.Errorf("decompose entry %d names unknown agent kind %q", i, s.AgentKind)
		}
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("decompose returned no sub-directives")
	}
	return subs, nil
}

// Synthesize turns a transcript into the final result text.
func (c *Client) Synthesize(ctx context.Context, objective string, transcript []Message) (string, error) {
	msgs := make([]Message, 0, len(transcript)+1)
	msgs = append(msgs, Message{Role: RoleUser, Content: objective})
	msgs = append(msgs, transcript...)
	msgs = append(msgs, Message{Role: RoleUser, Content: synthesizeInstruction})

	resp, err := c.b.call(ctx, request{
		system:    synthesizeSystemPrompt,
		messages:  msgs,
		maxTokens: defaultMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis call failed: %w", err)
	}
	if strings.TrimSpace(resp.content) == "" {
		return "", fmt.Errorf("synthesis returned empty content")
	}
	return resp.content, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
