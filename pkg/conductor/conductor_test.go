package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatiq/automat/pkg/agents"
	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/eventlog"
	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/provider"
)

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	store, err := eventlog.OpenInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := eventlog.NewLog(store, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		l.Close()
		cancel()
		<-done
	})
	return l
}

type stubBackend struct {
	name  string
	err   error
	mu    sync.Mutex
	calls int
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Search(_ context.Context, q provider.Query) (*provider.Response, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return &provider.Response{
		Provider: b.name,
		Citations: []provider.Citation{
			{ID: "c-1", Provider: b.name, Title: "result", URL: "https://example.com/" + b.name, Snippet: q.Query},
		},
	}, nil
}

func authFailure(name string) error {
	return &provider.Error{Provider: name, Kind: provider.KindStatus, Status: http.StatusUnauthorized, Msg: "bad key"}
}

func testRegistry(tavilyErr, braveErr, exaErr error) provider.Registry {
	return provider.Registry{
		provider.Tavily: &stubBackend{name: provider.Tavily, err: tavilyErr},
		provider.Brave:  &stubBackend{name: provider.Brave, err: braveErr},
		provider.Exa:    &stubBackend{name: provider.Exa, err: exaErr},
	}
}

type stubCall struct {
	kind string
	d    harness.Directive
}

type stubDispatcher struct {
	mu      sync.Mutex
	calls   []stubCall
	results map[string]*harness.Result
	errs    map[string]error
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{
		results: make(map[string]*harness.Result),
		errs:    make(map[string]error),
	}
}

func (s *stubDispatcher) Dispatch(_ context.Context, kind string, d harness.Directive) (*harness.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, stubCall{kind: kind, d: d})
	if err := s.errs[kind]; err != nil {
		return nil, err
	}
	if r, ok := s.results[kind]; ok {
		cp := *r
		return &cp, nil
	}
	return &harness.Result{Role: kind, State: harness.StateCompleted, Content: "ok"}, nil
}

func baseTask(objective string) ObjectiveTask {
	return ObjectiveTask{
		SessionID: "s-1",
		ThreadID:  "th-1",
		Objective: objective,
	}
}

func queryTypes(t *testing.T, log *eventlog.Log, pattern string) []eventlog.Event {
	t.Helper()
	events, err := log.Query(context.Background(), eventlog.Filter{TypePattern: pattern})
	require.NoError(t, err)
	return events
}

func TestExecuteRejectsEmptyObjective(t *testing.T) {
	c := New(decision.NewScripted(), newStubDispatcher(), testRegistry(nil, nil, nil), newTestLog(t), zerolog.Nop())

	_, err := c.Execute(context.Background(), baseTask("   "))
	require.Error(t, err)
}

func TestExecuteRejectsUnroutablePreference(t *testing.T) {
	log := newTestLog(t)
	c := New(decision.NewScripted(), newStubDispatcher(), testRegistry(nil, nil, nil), log, zerolog.Nop())

	task := baseTask("find things")
	task.ProviderPreference = "bing"
	_, err := c.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unroutable")

	// Rejected at admission, before any task event exists.
	assert.Empty(t, queryTypes(t, log, "task.*"))
}

func TestExecuteSingleDispatchCompletes(t *testing.T) {
	log := newTestLog(t)
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "look it up"},
	}
	disp := newStubDispatcher()
	disp.results[agents.KindResearcher] = &harness.Result{
		Role:    agents.KindResearcher,
		State:   harness.StateCompleted,
		Content: "the answer",
		Steps:   2,
		Usage:   decision.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}

	c := New(script, disp, testRegistry(nil, nil, nil), log, zerolog.Nop())
	res, err := c.Execute(context.Background(), baseTask("what is the answer"))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "the answer", res.Summary)
	assert.NotEmpty(t, res.CorrelationID)
	require.Len(t, res.Metadata.Dispatches, 1)
	assert.Equal(t, agents.KindResearcher, res.Metadata.Dispatches[0].AgentKind)
	assert.NotEmpty(t, res.Metadata.Dispatches[0].TraceID)
	assert.Equal(t, 2, res.Metadata.Dispatches[0].Steps)
	assert.Equal(t, 10, res.Metadata.Usage.InputTokens)

	received := queryTypes(t, log, eventlog.TypeTaskReceived)
	completed := queryTypes(t, log, eventlog.TypeTaskCompleted)
	require.Len(t, received, 1)
	require.Len(t, completed, 1)
	assert.Equal(t, "s-1", completed[0].SessionID)

	var payload struct {
		CorrelationID string `json:"correlation_id"`
		ResultSummary string `json:"result_summary"`
	}
	require.NoError(t, json.Unmarshal(completed[0].Payload, &payload))
	assert.Equal(t, res.CorrelationID, payload.CorrelationID)
	assert.Equal(t, "the answer", payload.ResultSummary)
}

func TestDecompositionFailureFallsBackToResearcher(t *testing.T) {
	script := decision.NewScripted()
	script.DecomposeErr = errors.New("model unavailable")
	disp := newStubDispatcher()

	c := New(script, disp, testRegistry(nil, nil, nil), newTestLog(t), zerolog.Nop())
	res, err := c.Execute(context.Background(), baseTask("read the room"))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, disp.calls, 1)
	assert.Equal(t, agents.KindResearcher, disp.calls[0].kind)
	assert.Equal(t, "read the room", disp.calls[0].d.Objective)
}

func TestDependentDirectiveSeesPriorOutput(t *testing.T) {
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "research the topic"},
		{AgentKind: agents.KindWriter, Directive: "write the report", DependsOnPrevious: true},
	}
	script.SynthesisText = "combined summary"

	disp := newStubDispatcher()
	disp.results[agents.KindResearcher] = &harness.Result{State: harness.StateCompleted, Content: "research notes"}
	disp.results[agents.KindWriter] = &harness.Result{State: harness.StateCompleted, Content: "final report"}

	c := New(script, disp, testRegistry(nil, nil, nil), newTestLog(t), zerolog.Nop())
	res, err := c.Execute(context.Background(), baseTask("report on the topic"))
	require.NoError(t, err)

	require.Len(t, disp.calls, 2)
	assert.Equal(t, agents.KindResearcher, disp.calls[0].kind)
	assert.Equal(t, agents.KindWriter, disp.calls[1].kind)
	assert.Contains(t, disp.calls[1].d.Objective, "Context from prior steps")
	assert.Contains(t, disp.calls[1].d.Objective, "research notes")

	// Two completed outputs go through synthesis.
	assert.Equal(t, "combined summary", res.Summary)
	require.Len(t, res.Metadata.Dispatches, 2)
	assert.Equal(t, agents.KindResearcher, res.Metadata.Dispatches[0].AgentKind)
	assert.Equal(t, agents.KindWriter, res.Metadata.Dispatches[1].AgentKind)
}

func TestSynthesisFailureConcatenatesOutputs(t *testing.T) {
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "part one"},
		{AgentKind: agents.KindWriter, Directive: "part two", DependsOnPrevious: true},
	}
	// SynthesisText left empty: the scripted decider fails synthesis.

	disp := newStubDispatcher()
	disp.results[agents.KindResearcher] = &harness.Result{State: harness.StateCompleted, Content: "alpha"}
	disp.results[agents.KindWriter] = &harness.Result{State: harness.StateCompleted, Content: "beta"}

	c := New(script, disp, testRegistry(nil, nil, nil), newTestLog(t), zerolog.Nop())
	res, err := c.Execute(context.Background(), baseTask("assemble"))
	require.NoError(t, err)
	assert.Equal(t, "alpha\n\nbeta", res.Summary)
}

func TestScopeConstraintsFoldedIntoDirective(t *testing.T) {
	disp := newStubDispatcher()
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "survey releases"},
	}

	c := New(script, disp, testRegistry(nil, nil, nil), newTestLog(t), zerolog.Nop())
	task := baseTask("what changed recently")
	task.Scope = Scope{IncludeDomains: []string{"go.dev"}, TimeRange: "month"}
	task.Budget = Budget{MaxResults: 3}
	_, err := c.Execute(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, disp.calls, 1)
	objective := disp.calls[0].d.Objective
	assert.Contains(t, objective, "go.dev")
	assert.Contains(t, objective, "month")
	assert.Contains(t, objective, "at most 3")
}

func TestAllDispatchFailuresEmitTaskFailed(t *testing.T) {
	log := newTestLog(t)
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "try"},
	}
	disp := newStubDispatcher()
	disp.errs[agents.KindResearcher] = errors.New("worker unavailable")

	c := New(script, disp, testRegistry(nil, nil, nil), log, zerolog.Nop())
	_, err := c.Execute(context.Background(), baseTask("doomed"))
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Len(t, taskErr.Errors, 1)
	assert.Contains(t, taskErr.Errors[0].Message, "worker unavailable")

	failed := queryTypes(t, log, eventlog.TypeTaskFailed)
	require.Len(t, failed, 1)
	assert.Empty(t, queryTypes(t, log, eventlog.TypeTaskCompleted))
}

// pipeline builds the real worker/harness/researcher stack over stub
// search backends, so route fallback flows through the event log exactly
// as in production.
func pipeline(t *testing.T, log *eventlog.Log, reg provider.Registry, script *decision.Scripted, defaultPref string) *Conductor {
	t.Helper()

	observer := NewLogObserver(log, zerolog.Nop())
	adapter, err := agents.NewAdapter(agents.KindResearcher, agents.Deps{
		Providers:          reg,
		ProviderPreference: defaultPref,
		Observer:           observer,
		Logger:             zerolog.Nop(),
	})
	require.NoError(t, err)

	h, err := harness.New(WorkerID(agents.KindResearcher), adapter, script, log, zerolog.Nop())
	require.NoError(t, err)

	w := NewWorker(agents.KindResearcher, h, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return New(script, mapDispatcher{agents.KindResearcher: w}, reg, log, zerolog.Nop())
}

type mapDispatcher map[string]*Worker

func (m mapDispatcher) Dispatch(ctx context.Context, kind string, d harness.Directive) (*harness.Result, error) {
	w, ok := m[kind]
	if !ok {
		return nil, fmt.Errorf("no worker for kind %q", kind)
	}
	return w.Dispatch(ctx, d)
}

func TestProviderFallbackDerivedFromSearchEvents(t *testing.T) {
	log := newTestLog(t)
	reg := testRegistry(authFailure(provider.Tavily), authFailure(provider.Brave), nil)

	script := decision.NewScripted().
		AddToolCall("tc-1", "web_search", map[string]interface{}{"query": "automat"}).
		AddComplete("found it")
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "search for automat"},
	}

	c := pipeline(t, log, reg, script, provider.PreferenceAuto)
	task := baseTask("search for automat")
	task.ProviderPreference = provider.PreferenceAuto

	res, err := c.Execute(context.Background(), task)
	require.NoError(t, err)

	// Only the third route entry answered; both prior failures survive
	// in the metadata even though the task succeeded.
	assert.Equal(t, provider.Exa, res.ProviderUsed)
	require.Len(t, res.Metadata.Errors, 2)
	assert.Equal(t, provider.Tavily, res.Metadata.Errors[0].Provider)
	assert.Equal(t, provider.Brave, res.Metadata.Errors[1].Provider)

	succeeded := queryTypes(t, log, eventlog.TypeSearchSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, WorkerID(agents.KindResearcher), succeeded[0].ActorID)
}

func TestAllRouteEntriesFailingMatchesRouteLength(t *testing.T) {
	log := newTestLog(t)
	reg := testRegistry(authFailure(provider.Tavily), authFailure(provider.Brave), authFailure(provider.Exa))

	script := decision.NewScripted().
		AddToolCall("tc-1", "web_search", map[string]interface{}{"query": "automat"}).
		AddDecision(&decision.Decision{Kind: decision.KindBlock, Reason: "no sources"})
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "search for automat"},
	}

	c := pipeline(t, log, reg, script, provider.PreferenceAuto)
	task := baseTask("search for automat")
	task.ProviderPreference = provider.PreferenceAuto

	_, err := c.Execute(context.Background(), task)
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Len(t, taskErr.Errors, 3)
	assert.Equal(t, provider.Tavily, taskErr.Errors[0].Provider)
	assert.Equal(t, provider.Brave, taskErr.Errors[1].Provider)
	assert.Equal(t, provider.Exa, taskErr.Errors[2].Provider)

	failed := queryTypes(t, log, eventlog.TypeTaskFailed)
	require.Len(t, failed, 1)
	var payload struct {
		Errors []SearchError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(failed[0].Payload, &payload))
	assert.Len(t, payload.Errors, 3)
}

func TestTaskPreferenceOverridesAdapterDefault(t *testing.T) {
	log := newTestLog(t)
	reg := testRegistry(nil, nil, nil)

	script := decision.NewScripted().
		AddToolCall("tc-1", "web_search", map[string]interface{}{"query": "automat"}).
		AddComplete("done")
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "search"},
	}

	// The adapter defaults to tavily; the task pins exa.
	c := pipeline(t, log, reg, script, provider.Tavily)
	task := baseTask("search")
	task.ProviderPreference = provider.Exa

	res, err := c.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, provider.Exa, res.ProviderUsed)
	assert.Zero(t, reg[provider.Tavily].(*stubBackend).calls)
	assert.Equal(t, 1, reg[provider.Exa].(*stubBackend).calls)
}

func TestTaskErrorMessage(t *testing.T) {
	err := &TaskError{
		CorrelationID: "task-1",
		Errors: []SearchError{
			{Provider: provider.Tavily, Message: "bad key"},
			{Message: "worker unavailable"},
		},
	}
	assert.Equal(t, "task task-1 failed: tavily: bad key; worker unavailable", err.Error())
	assert.Equal(t, "task empty failed", (&TaskError{CorrelationID: "empty"}).Error())
}

func TestConfiguredLimitsAppliedToDispatch(t *testing.T) {
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "look"},
	}
	disp := newStubDispatcher()

	c := New(script, disp, testRegistry(nil, nil, nil), newTestLog(t), zerolog.Nop())
	c.SetLimits(Limits{MaxSteps: 3, Timeout: 45 * time.Second})

	_, err := c.Execute(context.Background(), baseTask("look"))
	require.NoError(t, err)

	require.Len(t, disp.calls, 1)
	assert.Equal(t, 3, disp.calls[0].d.MaxSteps)
	assert.Equal(t, 45*time.Second, disp.calls[0].d.Timeout)
}

func TestTaskBudgetOverridesConfiguredLimits(t *testing.T) {
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "look"},
	}
	disp := newStubDispatcher()

	c := New(script, disp, testRegistry(nil, nil, nil), newTestLog(t), zerolog.Nop())
	c.SetLimits(Limits{MaxSteps: 3, Timeout: 45 * time.Second})

	task := baseTask("look")
	task.Budget.MaxSteps = 5
	task.Budget.Timeout = time.Minute
	_, err := c.Execute(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, disp.calls, 1)
	assert.Equal(t, 5, disp.calls[0].d.MaxSteps)
	assert.Equal(t, time.Minute, disp.calls[0].d.Timeout)
}

// siblingWritingDispatcher completes its dispatch while a concurrent task
// in the same session writes search events into the shared window.
type siblingWritingDispatcher struct {
	log *eventlog.Log
}

func (d *siblingWritingDispatcher) Dispatch(ctx context.Context, kind string, dir harness.Directive) (*harness.Result, error) {
	appendSearch := func(eventType, prov, traceID string) {
		payload := map[string]interface{}{"provider": prov, "trace_id": traceID}
		if eventType == eventlog.TypeSearchFailed {
			payload["error"] = "bad key"
		}
		_, _ = d.log.Append(ctx, eventlog.AppendRequest{
			EventType: eventType,
			Payload:   payload,
			ActorID:   WorkerID(kind),
			UserID:    "system",
			SessionID: "s-1",
			ThreadID:  "th-1",
		})
	}
	appendSearch(eventlog.TypeSearchFailed, provider.Tavily, "sibling-trace")
	appendSearch(eventlog.TypeSearchSucceeded, provider.Brave, "sibling-trace")
	appendSearch(eventlog.TypeSearchSucceeded, provider.Exa, dir.TraceID)
	return &harness.Result{Role: kind, State: harness.StateCompleted, Content: "ok"}, nil
}

func TestSearchOutcomesScopedToOwnDispatches(t *testing.T) {
	log := newTestLog(t)
	script := decision.NewScripted()
	script.Decomposition = []decision.SubDirective{
		{AgentKind: agents.KindResearcher, Directive: "look"},
	}

	c := New(script, &siblingWritingDispatcher{log: log}, testRegistry(nil, nil, nil), log, zerolog.Nop())
	res, err := c.Execute(context.Background(), baseTask("look"))
	require.NoError(t, err)

	// The sibling task shares session and thread but not trace ids; its
	// outcomes must not shape this task's metadata.
	assert.Equal(t, provider.Exa, res.ProviderUsed)
	assert.Empty(t, res.Metadata.Errors)
}
