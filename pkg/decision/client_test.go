package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend returns canned responses and records requests.
type fakeBackend struct {
	resp *response
	err  error
	reqs []request
}

func (f *fakeBackend) name() string { return "fake" }

func (f *fakeBackend) call(_ context.Context, req request) (*response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestDecideMapsToolCalls(t *testing.T) {
	fb := &fakeBackend{resp: &response{
		content:   "checking disk usage",
		toolCalls: []ToolCall{{ID: "tc-1", Name: "run_command", Args: map[string]interface{}{"command": "df -h"}}},
		usage:     &TokenUsage{InputTokens: 10, OutputTokens: 5},
	}}
	c := &Client{b: fb}

	d, err := c.Decide(context.Background(), DecideInput{
		Role:      "terminal",
		Objective: "how full is the disk",
		Tools:     []ToolSpec{{Name: "run_command"}},
	})
	require.NoError(t, err)
	assert.Equal(t, KindToolCalls, d.Kind)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "run_command", d.ToolCalls[0].Name)
	assert.Equal(t, 10, d.Usage.InputTokens)

	// Objective becomes the first user message; tools pass through.
	require.Len(t, fb.reqs, 1)
	require.NotEmpty(t, fb.reqs[0].messages)
	assert.Equal(t, "how full is the disk", fb.reqs[0].messages[0].Content)
	assert.Len(t, fb.reqs[0].tools, 1)
	assert.Contains(t, fb.reqs[0].system, "terminal")
}

func TestDecideMapsPlainTextToComplete(t *testing.T) {
	c := &Client{b: &fakeBackend{resp: &response{content: "the disk is 40% full"}}}

	d, err := c.Decide(context.Background(), DecideInput{Objective: "how full is the disk"})
	require.NoError(t, err)
	assert.Equal(t, KindComplete, d.Kind)
	assert.Equal(t, "the disk is 40% full", d.Content)
}

func TestDecideWrapsBackendError(t *testing.T) {
	cause := errors.New("rate limited")
	c := &Client{b: &fakeBackend{err: cause}}

	_, err := c.Decide(context.Background(), DecideInput{Objective: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestDecomposeParsesJSONArray(t *testing.T) {
	c := &Client{b: &fakeBackend{resp: &response{content: "```json\n" +
		`[{"agent_kind":"researcher","directive":"find sources","depends_on_previous":false},` +
		`{"agent_kind":"writer","directive":"write the report","depends_on_previous":true}]` + "\n```"}}}

	subs, err := c.Decompose(context.Background(), "research X then write a report", []string{"researcher", "writer", "terminal"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "researcher", subs[0].AgentKind)
	assert.False(t, subs[0].DependsOnPrevious)
	assert.Equal(t, "writer", subs[1].AgentKind)
	assert.True(t, subs[1].DependsOnPrevious)
}

func TestDecomposeRejectsBadOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "I will research X and then write a report."},
		{"empty array", "[]"},
		{"unknown kind", `[{"agent_kind":"pilot","directive":"fly"}]`},
		{"missing directive", `[{"agent_kind":"researcher","directive":""}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{b: &fakeBackend{resp: &response{content: tt.content}}}
			_, err := c.Decompose(context.Background(), "objective", []string{"researcher", "writer"})
			assert.Error(t, err)
		})
	}
}

func TestSynthesizeRejectsEmptyContent(t *testing.T) {
	c := &Client{b: &fakeBackend{resp: &response{content: "  \n"}}}
	_, err := c.Synthesize(context.Background(), "objective", nil)
	assert.Error(t, err)
}

func TestSynthesizeReturnsContent(t *testing.T) {
	fb := &fakeBackend{resp: &response{content: "final report"}}
	c := &Client{b: fb}

	out, err := c.Synthesize(context.Background(), "objective", []Message{
		{Role: RoleAssistant, Content: "notes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "final report", out)
	// The summarize instruction is the last message.
	last := fb.reqs[0].messages[len(fb.reqs[0].messages)-1]
	assert.Equal(t, RoleUser, last.Role)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `[1]`, stripFences("```json\n[1]\n```"))
	assert.Equal(t, `[1]`, stripFences("```\n[1]\n```"))
	assert.Equal(t, `[1]`, stripFences("[1]"))
}

func TestNewFactory(t *testing.T) {
	d, err := New("anthropic", "key", "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", d.Name())

	d, err = New("openai", "key", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", d.Name())

	_, err = New("gemini", "key", "")
	assert.Error(t, err)
}
